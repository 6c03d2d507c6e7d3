package device

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"

	"github.com/nvwatch/nvwatch/internal/nvml"
)

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

// lookupGPUName resolves a marketing name from the PCI database, preferring
// the subsystem (board) name when the subsystem IDs match.
func lookupGPUName(info nvml.PCIInfo) string {
	if info.VendorID == 0 || info.DeviceID == 0 {
		return ""
	}

	db := loadPCIDatabase()
	if db == nil {
		return ""
	}

	productKey := fmt.Sprintf("%04x%04x", info.VendorID, info.DeviceID)
	product, ok := db.Products[productKey]
	if !ok || product == nil {
		return ""
	}

	if info.SubVendorID != 0 && info.SubDeviceID != 0 {
		subVendor := fmt.Sprintf("%04x", info.SubVendorID)
		subDevice := fmt.Sprintf("%04x", info.SubDeviceID)
		for _, subsystem := range product.Subsystems {
			if subsystem == nil {
				continue
			}
			if strings.EqualFold(subsystem.VendorID, subVendor) && strings.EqualFold(subsystem.ID, subDevice) {
				if subsystem.Name != "" {
					return subsystem.Name
				}
			}
		}
	}

	return product.Name
}

func loadPCIDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		pciDB, pciErr = pcidb.New()
	})
	if pciErr != nil || pciDB == nil {
		return nil
	}
	return pciDB
}
