//go:build windows && amd64

package factory

import (
	"github.com/tinyrange/vlapic/internal/hv"
	"github.com/tinyrange/vlapic/internal/hv/whp"
)

func Open() (hv.Hypervisor, error) {
	return whp.Open()
}
