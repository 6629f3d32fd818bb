package resolve

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tables holds the lookup data used by Terminal and Carrier.
type Tables struct {
	Terminals map[string]string `yaml:"terminals"`
	Carriers  []string          `yaml:"carriers"`
}

func defaultTerminals() map[string]string {
	return map[string]string{
		"ETSLAX": "Everport Terminal Services - Los Angeles",
		"ETSOAK": "Everport Terminal Services - Oakland",
		"ETSTAC": "Everport Terminal Services Inc. - Tacoma, WA",
		"FIT":    "Florida International Terminal (FIT)",
		"HUSKY":  "Husky Terminal and Stevedoring, Inc.",
		"ITS":    "ITS Long Beach",
		"OICT":   "OICT",
		"PCT":    "Pacific Container Terminal",
		"PACKR":  "Packer Avenue Marine Terminal",
		"PET":    "Port Everglades Terminal",
		"SSA":    "SSA Terminal - PierA / LB",
		"SSAT30": "SSAT - Terminal 30",
		"SSAT5":  "SSAT - Terminal 5",
		"T18":    "Terminal 18",
		"TTI":    "Total Terminals Intl LLC",
		"TRPOAK": "TraPac - Oakland",
		"TRP1":   "TraPac LLC - Los Angeles",
		"WUT":    "Washington United Terminals",
		"BNLPC":  "Long Beach Container Terminal",
		"LPCHI":  "Long Beach Container Terminal - Chicago",
	}
}

func Default() Tables {
	return Tables{
		Terminals: defaultTerminals(),
		Carriers:  []string{"K & R TRANSPORTATION LLC", "California Cartage Express"},
	}
}

// Load returns the built-in tables, overlaid with the YAML file at path when
// path is set. Terminal entries are merged by code; a non-empty carrier list
// replaces the default one.
func Load(path string) (Tables, error) {
	t := Default()
	if path == "" {
		return t, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("resolve: read %s: %w", path, err)
	}
	var over Tables
	if err := yaml.Unmarshal(b, &over); err != nil {
		return Tables{}, fmt.Errorf("resolve: parse %s: %w", path, err)
	}
	for code, name := range over.Terminals {
		if name == "" {
			delete(t.Terminals, code)
			continue
		}
		t.Terminals[code] = name
	}
	if len(over.Carriers) > 0 {
		t.Carriers = over.Carriers
	}
	return t, nil
}
