package locator

import (
	"fmt"

	"github.com/flowmesh/core/errcode"
)

func errServiceNotAvailable(name string) error {
	return errcode.New(errcode.Locator, errcode.ServiceNotAvailable, fmt.Sprintf("service %q not available", name))
}
