package main

import (
	"strings"
	"testing"

	"github.com/test-go/testify/assert"

	"github.com/databendcloud/sync-dispatch/listener"
)

func TestParseColumns(t *testing.T) {
	columns := parseColumns(" order_id*, customer ,,total")
	assert.Equal(t, []listener.Column{
		{Name: "order_id", PrimaryKey: true},
		{Name: "customer"},
		{Name: "total"},
	}, columns)
}

func TestRender(t *testing.T) {
	script, err := render("sqlite", "orders", "http://localhost:8080/api/v1/webhooks/s1", "order_id*,total", "id")
	assert.NoError(t, err)
	assert.Contains(t, script, "CREATE TABLE IF NOT EXISTS orders_changelog")
	assert.Contains(t, script, "NEW.order_id")
	assert.Equal(t, 6, strings.Count(script, ";\n\n"))

	_, err = render("oracle", "orders", "http://localhost:8080/api/v1/webhooks/s1", "id*", "id")
	assert.Error(t, err)
	_, err = render("sqlite", "orders; drop table x", "http://localhost:8080/api/v1/webhooks/s1", "id*", "id")
	assert.Error(t, err)
}
