package safety

import (
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// Category groups destructive script constructs.
type Category string

const (
	CategoryDelete      Category = "delete"
	CategoryBulkUpdate  Category = "bulk_update"
	CategoryBypass      Category = "engine_bypass"
	CategorySchema      Category = "schema_change"
	CategoryConfig      Category = "config_change"
	CategoryPrivilege   Category = "privilege"
	CategoryRawDatabase Category = "raw_database"
)

// Pattern is one destructive construct, matched as a glob against a
// normalized script line (lower-cased, whitespace removed).
type Pattern struct {
	Glob        string
	Category    Category
	Description string
}

// DestructivePatterns is the canonical list of server-side script constructs
// that change or remove data in bulk, or bypass business rules and auditing.
var DestructivePatterns = []Pattern{
	// Record removal
	{"*.deleterecord(*", CategoryDelete, "deletes a record"},
	{"*.deletemultiple(*", CategoryDelete, "deletes every record matching the query"},
	{"*gliderecord*.deleteall*", CategoryDelete, "deletes all records"},
	// Bulk writes
	{"*.updatemultiple(*", CategoryBulkUpdate, "updates every record matching the query"},
	// Business rule / audit bypass
	{"*.setworkflow(false)*", CategoryBypass, "disables business rules and workflows"},
	{"*.autosysfields(false)*", CategoryBypass, "suppresses sys_updated_* and audit fields"},
	{"*.setuseengines(false)*", CategoryBypass, "disables data policy and calculation engines"},
	{"*.setabortaction(true)*", CategoryBypass, "aborts the current transaction"},
	// Schema changes
	{"*gs.droptable(*", CategorySchema, "drops a table"},
	{"*gs.truncatetable(*", CategorySchema, "truncates a table"},
	{"*gliderecord(*sys_db_object*", CategorySchema, "touches table definitions"},
	{"*gliderecord(*sys_dictionary*", CategorySchema, "touches field definitions"},
	// Platform configuration
	{"*gs.setproperty(*", CategoryConfig, "changes a system property"},
	// Identity and privilege
	{"*.impersonate(*", CategoryPrivilege, "impersonates another user"},
	{"*gliderecord(*sys_user_has_role*", CategoryPrivilege, "touches role assignments"},
	// Direct database access
	{"*gs.sql(*", CategoryRawDatabase, "runs raw SQL"},
	{"*glidedbutil*", CategoryRawDatabase, "uses low-level database utilities"},
}

// Finding is one destructive construct located in a script.
type Finding struct {
	Line        int      `json:"line"`
	Category    Category `json:"category"`
	Pattern     string   `json:"pattern"`
	Description string   `json:"description"`
	Snippet     string   `json:"snippet"`
}

// normalizeScriptLine lower-cases and strips all whitespace so that
// `gr.setWorkflow( false )` and `gr.setWorkflow(false)` compare equal.
func normalizeScriptLine(line string) string {
	return strings.ToLower(strings.Join(strings.Fields(line), ""))
}

// ClassifyScript flags destructive constructs in a server-side script. It is
// advisory: findings accompany the run result and never block it. Each line
// is reported at most once per pattern. Line comments are ignored.
func ClassifyScript(script string) []Finding {
	if strings.TrimSpace(script) == "" {
		return nil
	}

	var findings []Finding
	for i, raw := range strings.Split(script, "\n") {
		line := normalizeScriptLine(raw)
		if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "*") {
			continue
		}
		if idx := strings.Index(line, "//"); idx > 0 && !strings.Contains(line[:idx], "'") && !strings.Contains(line[:idx], `"`) {
			line = line[:idx]
		}
		for _, p := range DestructivePatterns {
			if !wildcard.Match(p.Glob, line) {
				continue
			}
			findings = append(findings, Finding{
				Line:        i + 1,
				Category:    p.Category,
				Pattern:     p.Glob,
				Description: p.Description,
				Snippet:     snippet(raw),
			})
		}
	}
	return findings
}

// IsDestructiveScript reports whether ClassifyScript finds anything.
func IsDestructiveScript(script string) bool {
	return len(ClassifyScript(script)) > 0
}

func snippet(line string) string {
	line = strings.TrimSpace(line)
	const max = 120
	if r := []rune(line); len(r) > max {
		return string(r[:max]) + "..."
	}
	return line
}
