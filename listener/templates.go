package listener

import (
	"fmt"
	"strings"
)

// Every script starts with the shared change log and registry tables. The log row id is
// the cursor of the trigger-log source, so it must be a monotonically assigned key.

var postgresScript = []string{
	`CREATE TABLE IF NOT EXISTS {{log_table}} (
    id         BIGSERIAL PRIMARY KEY,
    operation  TEXT NOT NULL,
    row_key    TEXT,
    new_row    JSONB,
    old_row    JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS _sync_listeners (
    table_name   TEXT PRIMARY KEY,
    webhook_url  TEXT NOT NULL,
    installed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`INSERT INTO _sync_listeners (table_name, webhook_url) VALUES ('{{table_name}}', '{{webhook_url}}')
ON CONFLICT (table_name) DO UPDATE SET webhook_url = EXCLUDED.webhook_url`,
	`CREATE OR REPLACE FUNCTION {{function_name}}() RETURNS trigger AS $sync_capture$
BEGIN
    IF TG_OP = 'DELETE' THEN
        INSERT INTO {{log_table}} (operation, row_key, old_row) VALUES ('delete', {{old_key}}::text, to_jsonb(OLD));
    ELSIF TG_OP = 'UPDATE' THEN
        INSERT INTO {{log_table}} (operation, row_key, new_row, old_row) VALUES ('update', {{new_key}}::text, to_jsonb(NEW), to_jsonb(OLD));
    ELSE
        INSERT INTO {{log_table}} (operation, row_key, new_row) VALUES ('insert', {{new_key}}::text, to_jsonb(NEW));
    END IF;
    PERFORM pg_notify('sync_changes', json_build_object('table', '{{table_name}}', 'webhook', '{{webhook_url}}')::text);
    RETURN NULL;
END;
$sync_capture$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS {{trigger_prefix}}_sync ON {{table_name}}`,
	`CREATE TRIGGER {{trigger_prefix}}_sync AFTER INSERT OR UPDATE OR DELETE ON {{table_name}}
FOR EACH ROW EXECUTE FUNCTION {{function_name}}()`,
}

// MySQL triggers are single statements so the driver can send them without DELIMITER.
var mysqlScript = []string{
	`CREATE TABLE IF NOT EXISTS {{log_table}} (
    id         BIGINT AUTO_INCREMENT PRIMARY KEY,
    operation  VARCHAR(16) NOT NULL,
    row_key    VARCHAR(255),
    new_row    JSON,
    old_row    JSON,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS _sync_listeners (
    table_name   VARCHAR(255) PRIMARY KEY,
    webhook_url  TEXT NOT NULL,
    installed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`INSERT INTO _sync_listeners (table_name, webhook_url) VALUES ('{{table_name}}', '{{webhook_url}}')
ON DUPLICATE KEY UPDATE webhook_url = VALUES(webhook_url)`,
	`DROP TRIGGER IF EXISTS {{trigger_prefix}}_sync_ai`,
	`CREATE TRIGGER {{trigger_prefix}}_sync_ai AFTER INSERT ON {{table_name}}
FOR EACH ROW INSERT INTO {{log_table}} (operation, row_key, new_row) VALUES ('insert', {{new_key}}, {{new_row_json}})`,
	`DROP TRIGGER IF EXISTS {{trigger_prefix}}_sync_au`,
	`CREATE TRIGGER {{trigger_prefix}}_sync_au AFTER UPDATE ON {{table_name}}
FOR EACH ROW INSERT INTO {{log_table}} (operation, row_key, new_row, old_row) VALUES ('update', {{new_key}}, {{new_row_json}}, {{old_row_json}})`,
	`DROP TRIGGER IF EXISTS {{trigger_prefix}}_sync_ad`,
	`CREATE TRIGGER {{trigger_prefix}}_sync_ad AFTER DELETE ON {{table_name}}
FOR EACH ROW INSERT INTO {{log_table}} (operation, row_key, old_row) VALUES ('delete', {{old_key}}, {{old_row_json}})`,
}

var sqliteScript = []string{
	`CREATE TABLE IF NOT EXISTS {{log_table}} (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    operation  TEXT NOT NULL,
    row_key    TEXT,
    new_row    TEXT,
    old_row    TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS _sync_listeners (
    table_name   TEXT PRIMARY KEY,
    webhook_url  TEXT NOT NULL,
    installed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`INSERT INTO _sync_listeners (table_name, webhook_url) VALUES ('{{table_name}}', '{{webhook_url}}')
ON CONFLICT (table_name) DO UPDATE SET webhook_url = excluded.webhook_url`,
	`CREATE TRIGGER IF NOT EXISTS {{trigger_prefix}}_sync_ai AFTER INSERT ON {{table_name}}
BEGIN
    INSERT INTO {{log_table}} (operation, row_key, new_row) VALUES ('insert', {{new_key}}, {{new_row_json}});
END`,
	`CREATE TRIGGER IF NOT EXISTS {{trigger_prefix}}_sync_au AFTER UPDATE ON {{table_name}}
BEGIN
    INSERT INTO {{log_table}} (operation, row_key, new_row, old_row) VALUES ('update', {{new_key}}, {{new_row_json}}, {{old_row_json}});
END`,
	`CREATE TRIGGER IF NOT EXISTS {{trigger_prefix}}_sync_ad AFTER DELETE ON {{table_name}}
BEGIN
    INSERT INTO {{log_table}} (operation, row_key, old_row) VALUES ('delete', {{old_key}}, {{old_row_json}});
END`,
}

type dialect struct {
	script []string
	// jsonObject builds the row payload expression; postgres uses to_jsonb instead
	jsonObject string
	// introspection query returning (column name, is primary key)
	columnsQuery string
	columnsArgs  func(schema, table string) []interface{}
}

func schemaAndTable(schema, table string) []interface{} {
	if schema == "" {
		return []interface{}{nil, table}
	}
	return []interface{}{schema, table}
}

var dialects = map[string]dialect{
	"postgres": {
		script: postgresScript,
		columnsQuery: `SELECT c.column_name, EXISTS (
    SELECT 1 FROM information_schema.table_constraints tc
    JOIN information_schema.key_column_usage k
      ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema
    WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = c.table_schema
      AND tc.table_name = c.table_name AND k.column_name = c.column_name)
FROM information_schema.columns c
WHERE c.table_schema = COALESCE($1::text, current_schema()) AND c.table_name = $2
ORDER BY c.ordinal_position`,
		columnsArgs: schemaAndTable,
	},
	"mysql": {
		script:     mysqlScript,
		jsonObject: "JSON_OBJECT",
		columnsQuery: `SELECT COLUMN_NAME, COLUMN_KEY = 'PRI'
FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = COALESCE(?, DATABASE()) AND TABLE_NAME = ?
ORDER BY ORDINAL_POSITION`,
		columnsArgs: schemaAndTable,
	},
	"sqlite": {
		script:       sqliteScript,
		jsonObject:   "json_object",
		columnsQuery: `SELECT name, pk > 0 FROM pragma_table_info(?) ORDER BY cid`,
		columnsArgs: func(_, table string) []interface{} {
			return []interface{}{table}
		},
	},
}

func SupportedDialects() []string {
	return []string{"mysql", "postgres", "sqlite"}
}

// rowPayload renders json_object('a', NEW.a, 'b', NEW.b) for validated columns.
func (d dialect) rowPayload(alias string, columns []string) string {
	if d.jsonObject == "" {
		return "to_jsonb(" + alias + ")"
	}
	parts := make([]string, 0, len(columns))
	for _, c := range columns {
		parts = append(parts, fmt.Sprintf("'%s', %s.%s", c, alias, c))
	}
	return d.jsonObject + "(" + strings.Join(parts, ", ") + ")"
}
