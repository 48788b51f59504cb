package main

import (
	"fmt"
	"strings"
)

// parseZones parses the -zones flag value: semicolon-separated
// camera=sensor,... pairs.
func parseZones(spec string) (map[string][]string, error) {
	zones := make(map[string][]string)
	if strings.TrimSpace(spec) == "" {
		return zones, nil
	}
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		camera, sensorList, ok := strings.Cut(entry, "=")
		camera = strings.TrimSpace(camera)
		if !ok || camera == "" {
			return nil, fmt.Errorf("malformed zone entry %q", entry)
		}
		var sensors []string
		for _, s := range strings.Split(sensorList, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sensors = append(sensors, s)
			}
		}
		if len(sensors) == 0 {
			return nil, fmt.Errorf("zone entry %q names no sensors", entry)
		}
		zones[camera] = append(zones[camera], sensors...)
	}
	return zones, nil
}
