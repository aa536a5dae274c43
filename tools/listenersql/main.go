package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/databendcloud/sync-dispatch/listener"
)

// listenersql prints the listener script a sync would install, for review by the
// database owner before activation.
func main() {
	dialect := flag.String("dialect", "postgres", "Source dialect ("+strings.Join(listener.SupportedDialects(), "/")+")")
	table := flag.String("table", "", "Source table, optionally schema qualified")
	webhook := flag.String("webhook", "", "Webhook url recorded with the listener")
	columns := flag.String("columns", "", "Comma separated columns, mark the primary key with a trailing *")
	key := flag.String("key", "id", "Key column when no column is marked as primary key")
	output := flag.String("o", "", "Write the script to this file instead of stdout")
	flag.Parse()

	if *table == "" || *webhook == "" || *columns == "" {
		fmt.Println("Please provide table, webhook and columns")
		flag.Usage()
		os.Exit(1)
	}

	script, err := render(*dialect, *table, *webhook, *columns, *key)
	if err != nil {
		fmt.Printf("Error rendering listener: %v\n", err)
		os.Exit(1)
	}
	if *output == "" {
		fmt.Print(script)
		return
	}
	if err := os.WriteFile(*output, []byte(script), 0644); err != nil {
		fmt.Printf("Error writing file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Listener script generated successfully: %s\n", *output)
}

func render(dialect, table, webhook, columns, key string) (string, error) {
	p, err := listener.NewSQLProvisioner(dialect, nil)
	if err != nil {
		return "", err
	}
	p.KeyColumn = key
	stmts, err := p.Render(table, webhook, parseColumns(columns))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, stmt := range stmts {
		sb.WriteString(strings.TrimSpace(stmt))
		sb.WriteString(";\n\n")
	}
	return sb.String(), nil
}

func parseColumns(list string) []listener.Column {
	var columns []listener.Column
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		pk := strings.HasSuffix(name, "*")
		columns = append(columns, listener.Column{Name: strings.TrimSuffix(name, "*"), PrimaryKey: pk})
	}
	return columns
}
