package main

import (
	"encoding/json"
	"fmt"
	"sort"
)

// announcement is what a rank publishes on the discovery port range.
type announcement struct {
	Address   string `json:"address"`
	Transport string `json:"transport"`
}

func (a announcement) encode() (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// groupAddresses decodes the announcements of the group, checks that
// everybody uses the same transport and returns the addresses sorted, so
// that every member derives the same ranks.
func groupAddresses(transport string, infos []string) ([]string, error) {
	addresses := make([]string, 0, len(infos))
	for _, info := range infos {
		var a announcement
		if err := json.Unmarshal([]byte(info), &a); err != nil {
			return nil, fmt.Errorf("announcement %q: %w", info, err)
		}
		if a.Transport != transport {
			return nil, fmt.Errorf("%s uses transport %s, this process uses %s", a.Address, a.Transport, transport)
		}
		addresses = append(addresses, a.Address)
	}
	sort.Strings(addresses)
	return addresses, nil
}
