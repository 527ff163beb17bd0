package projects

import (
	"bufio"
	"sort"
	"strings"
)

// InventoryHost is one host line: "name" plus its key=value settings
type InventoryHost map[string]string

// ParseInventory reads an INI-style Ansible inventory into hosts per group.
// Comment lines and lines before the first group header are ignored.
func ParseInventory(raw string) map[string][]InventoryHost {
	groups := make(map[string][]InventoryHost)
	group := ""

	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			group = strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := groups[group]; !ok {
				groups[group] = []InventoryHost{}
			}
			continue
		}
		if group == "" {
			continue
		}

		fields := strings.Fields(line)
		host := InventoryHost{"name": fields[0]}
		for _, f := range fields[1:] {
			if k, v, ok := strings.Cut(f, "="); ok {
				host[k] = v
			}
		}
		groups[group] = append(groups[group], host)
	}
	return groups
}

// FormatInventory renders groups back into INI text. Groups are sorted by
// name and host settings by key so output is stable.
func FormatInventory(groups map[string][]InventoryHost) string {
	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, g := range names {
		b.WriteString("[" + g + "]\n")
		for _, h := range groups[g] {
			b.WriteString(h["name"])
			keys := make([]string, 0, len(h))
			for k := range h {
				if k != "name" {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			for _, k := range keys {
				b.WriteString(" " + k + "=" + h[k])
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
