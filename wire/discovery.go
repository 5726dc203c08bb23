package wire

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tandemloop/blelink/logger"
	"github.com/tandemloop/blelink/radio"
	"github.com/tandemloop/blelink/util"
)

// WriteAdvertisingData publishes this device's advertising payload.
// Scanning devices discover it by reading the advert directory, which
// simulates picking the packet out of the air.
func (w *Wire) WriteAdvertisingData(data *AdvertisingData) error {
	if w.PowerState() != radio.StatePoweredOn {
		return fmt.Errorf("radio not powered on (%s)", w.PowerState())
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal advertising data: %w", err)
	}

	advPath := filepath.Join(util.AdvertDir(), w.hardwareUUID+".json")
	if err := os.WriteFile(advPath, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write advertising data: %w", err)
	}

	logger.Debug(w.logPrefix(), "Advertising as %q (services: %v)", data.DeviceName, data.ServiceUUIDs)
	return nil
}

// ClearAdvertisingData stops broadcasting; scanners can no longer
// discover this device. Idempotent.
func (w *Wire) ClearAdvertisingData() {
	advPath := filepath.Join(util.AdvertDir(), w.hardwareUUID+".json")
	os.Remove(advPath)
}

// StartDiscovery scans for devices advertising the given service UUID
// and reports each sighting. Duplicate sightings are reported again on
// every scan pass; the caller suppresses them. The returned stop
// function is safe to call more than once.
func (w *Wire) StartDiscovery(serviceUUID string, onFound func(Discovery)) func() {
	stopChan := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(DiscoveryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stopChan:
				return
			case <-ticker.C:
				if w.PowerState() != radio.StatePoweredOn {
					continue
				}
				for _, d := range w.scanAdverts(serviceUUID) {
					onFound(d)
				}
			}
		}
	}()

	return func() {
		once.Do(func() { close(stopChan) })
	}
}

// scanAdverts reads every published advert and filters by service UUID.
func (w *Wire) scanAdverts(serviceUUID string) []Discovery {
	matches, err := filepath.Glob(filepath.Join(util.AdvertDir(), "*.json"))
	if err != nil {
		return nil
	}

	var found []Discovery
	for _, path := range matches {
		handle := strings.TrimSuffix(filepath.Base(path), ".json")
		if handle == w.hardwareUUID {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var adv AdvertisingData
		if err := json.Unmarshal(data, &adv); err != nil {
			continue
		}

		if serviceUUID != "" && !containsUUID(adv.ServiceUUIDs, serviceUUID) {
			continue
		}

		found = append(found, Discovery{
			Handle:        handle,
			Name:          adv.DeviceName,
			ServiceUUIDs:  adv.ServiceUUIDs,
			IsConnectable: adv.IsConnectable,
		})
	}
	return found
}

func containsUUID(uuids []string, target string) bool {
	for _, u := range uuids {
		if strings.EqualFold(u, target) {
			return true
		}
	}
	return false
}
