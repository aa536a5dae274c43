package listener

import (
	"net/url"
	"regexp"
	"strings"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
)

const (
	ParamTableName  = "table_name"
	ParamWebhookURL = "webhook_url"
)

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)
	tableNamePattern   = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)
	columnPattern      = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Params fills a template. Values are quote-escaped before substitution. Fragments go
// in verbatim and may only be built from identifiers that passed the allow-lists.
type Params struct {
	Values    map[string]string
	Fragments map[string]string
}

func ValidateTableName(table string) error {
	if !tableNamePattern.MatchString(table) {
		return terr.Wrapf(&terr.ConfigurationError, "table name %q must match %s", table, tableNamePattern)
	}
	return nil
}

// ValidateWebhookURL accepts absolute http(s) urls. The url is substituted inside
// dollar-quoted function bodies, so '$' and backslashes are rejected along with spaces.
func ValidateWebhookURL(u string) error {
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return terr.Wrapf(&terr.ConfigurationError, "webhook url %q must start with http:// or https://", u)
	}
	for _, r := range u {
		if r == '$' || r == '\\' || r <= ' ' || r == 0x7f {
			return terr.Wrapf(&terr.ConfigurationError, "webhook url %q contains forbidden character %q", u, r)
		}
	}
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return terr.Wrapf(&terr.ConfigurationError, "webhook url %q is not a valid absolute url", u)
	}
	return nil
}

func ValidateColumn(column string) error {
	if !columnPattern.MatchString(column) {
		return terr.Wrapf(&terr.ConfigurationError, "column name %q must match %s", column, columnPattern)
	}
	return nil
}

func EscapeQuotes(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

// FillTemplate replaces every {{name}} placeholder. The table name and webhook url are
// checked before anything is substituted; a placeholder without a value is an error.
func FillTemplate(tmpl string, params Params) (string, error) {
	if table, ok := params.Values[ParamTableName]; ok {
		if err := ValidateTableName(table); err != nil {
			return "", err
		}
	}
	if u, ok := params.Values[ParamWebhookURL]; ok {
		if err := ValidateWebhookURL(u); err != nil {
			return "", err
		}
	}

	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := params.Values[name]; ok {
			return EscapeQuotes(v)
		}
		if v, ok := params.Fragments[name]; ok {
			return v
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return "", terr.Wrapf(&terr.ConfigurationError, "template variables without a value: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Identifier turns a validated, possibly schema qualified table name into a bare identifier.
func Identifier(table string) string {
	return strings.ReplaceAll(table, ".", "_")
}

// LogTableName is the change log table a trigger listener writes for table.
func LogTableName(table string) string {
	return Identifier(table) + "_changelog"
}
