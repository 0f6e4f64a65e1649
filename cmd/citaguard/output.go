package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for --field=key
)

// printResult outputs data in the chosen format. A "data" list is rendered
// as rows with the given columns.
func printResult(data map[string]any, columns ...string) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data) //nolint:errcheck
	case "raw":
		if outputField != "" {
			if v, ok := lookup(data, outputField); ok {
				fmt.Println(v)
			}
		} else {
			for _, k := range sortedKeys(data) {
				fmt.Printf("%s=%v\n", k, data[k])
			}
		}
	default: // table
		if rows, ok := data["data"].([]any); ok && len(columns) > 0 {
			printRows(rows, columns)
			return
		}
		if inner, ok := data["data"].(map[string]any); ok {
			printTable(inner)
			return
		}
		printTable(data)
	}
}

// lookup finds key at the top level or inside "data".
func lookup(data map[string]any, key string) (any, bool) {
	if v, ok := data[key]; ok {
		return v, true
	}
	if inner, ok := data["data"].(map[string]any); ok {
		v, ok := inner[key]
		return v, ok
	}
	return nil, false
}

func printTable(data map[string]any) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	keys := sortedKeys(data)
	for _, k := range keys {
		v := data[k]
		switch val := v.(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%v\n", kk, val[kk])
			}
		case []any:
			fmt.Fprintf(w, "%s\t%s\n", k, joinAny(val))
		default:
			fmt.Fprintf(w, "%s\t%v\n", k, v)
		}
	}
	w.Flush()
}

func printRows(rows []any, columns []string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := make([]string, len(columns))
	for i, c := range columns {
		header[i] = strings.ToUpper(c)
	}
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		cells := make([]string, len(columns))
		for i, c := range columns {
			if v, ok := m[c]; ok && v != nil {
				cells[i] = fmt.Sprintf("%v", v)
			}
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	w.Flush()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinAny(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, ", ")
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Println(msg)
}
