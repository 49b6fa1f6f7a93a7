package runstate

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/teranos/docpulse/errors"
)

// Synthetic schema versions assigned to legacy records that predate the
// schema_version field. Tagging happens once, then the record follows the
// ordered migration chain like any other version.
const (
	// LegacyFlatVersion tags flat key/value records
	LegacyFlatVersion = -2
	// LegacyNestedVersion tags records with last_run/previous_results sections
	LegacyNestedVersion = -1
)

// LegacyKey holds the untouched legacy record after migration
const LegacyKey = "legacy"

type document = map[string]interface{}

type migrationEnv struct {
	now   time.Time
	newID func() (string, error)
}

type migration struct {
	from, to int
	name     string
	apply    func(doc document, env migrationEnv) (document, error)
}

// migrations is sorted by from. Each step must set schema_version to its to.
var migrations = []migration{
	{from: LegacyFlatVersion, to: 1, name: "flat_legacy_to_v1", apply: migrateFlatLegacy},
	{from: LegacyNestedVersion, to: 1, name: "nested_legacy_to_v1", apply: migrateNestedLegacy},
	{from: 1, to: 2, name: "kind_and_execution", apply: migrateV1toV2},
}

func init() {
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].from < migrations[j].from })
}

// DetectVersion returns the schema version of doc, tagging legacy shapes
// with their synthetic version.
func DetectVersion(doc document) (int, error) {
	if v, ok := doc["schema_version"]; ok {
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return 0, errors.Wrapf(errors.ErrInvalidRequest, "schema_version %v is not an integer", v)
		}
		return int(f), nil
	}
	if _, ok := doc["last_run"]; ok {
		return LegacyNestedVersion, nil
	}
	if _, ok := doc["previous_results"]; ok {
		return LegacyNestedVersion, nil
	}
	if len(doc) == 0 {
		return 0, errors.Wrap(errors.ErrInvalidRequest, "empty run state record")
	}
	return LegacyFlatVersion, nil
}

// migrate upgrades doc to CurrentSchemaVersion and returns the names of the
// applied steps. Documents from a newer schema are returned unchanged.
func migrate(doc document, env migrationEnv) (document, []string, error) {
	version, err := DetectVersion(doc)
	if err != nil {
		return nil, nil, err
	}

	var applied []string
	for version < CurrentSchemaVersion {
		step, ok := findMigration(version)
		if !ok {
			return nil, applied, errors.Newf("no migration from schema version %d", version)
		}
		next, err := step.apply(doc, env)
		if err != nil {
			return nil, applied, errors.Wrapf(err, "migration %s", step.name)
		}
		next["schema_version"] = float64(step.to)
		doc, version = next, step.to
		applied = append(applied, step.name)
	}
	return doc, applied, nil
}

func findMigration(from int) (migration, bool) {
	for _, m := range migrations {
		if m.from == from {
			return m, true
		}
	}
	return migration{}, false
}

// migrateFlatLegacy maps a flat key/value record onto the v1 shape
func migrateFlatLegacy(doc document, env migrationEnv) (document, error) {
	return legacyToV1(doc, doc, document{}, env)
}

// migrateNestedLegacy maps {last_run: {...}, previous_results: {...}} onto v1
func migrateNestedLegacy(doc document, env migrationEnv) (document, error) {
	last, _ := doc["last_run"].(document)
	results, _ := doc["previous_results"].(document)
	if last == nil {
		last = document{}
	}
	if results == nil {
		results = document{}
	}
	return legacyToV1(doc, last, results, env)
}

func legacyToV1(orig, run, results document, env migrationEnv) (document, error) {
	id := getString(run, "run_id", "last_run_id", "id")
	if id == "" {
		var err error
		if id, err = env.newID(); err != nil {
			return nil, err
		}
	}

	created := getTime(run, env.now, "timestamp", "created_at", "last_run_date", "last_run_time", "started_at")
	completed := getBool(run, "completed") || getString(run, "status") == "completed"

	v1 := document{
		"run_id":        id,
		"job_type":      firstNonEmpty(getString(run, "job_type", "run_type", "mode"), string(KindFull)),
		"parent_run_id": getString(run, "parent_run_id", "parent_run", "base_run_id"),
		"created_at":    created.Format(time.RFC3339Nano),
		"updated_at":    env.now.Format(time.RFC3339Nano),
		"completed":     completed,
		"totals": document{
			"discovered": getInt(run, "papers_total", "items_total", "total_items", "total_papers"),
			"processed":  getInt(run, "papers_processed", "items_processed", "processed"),
			"skipped":    getInt(run, "papers_skipped", "items_skipped", "skipped"),
			"failed":     getInt(run, "papers_failed", "items_failed", "failed"),
		},
		"coverage": document{
			"overall":   fraction(getFloat(results, "overall_coverage", "coverage"), getFloat(run, "overall_coverage", "coverage")),
			"by_pillar": pillarCoverage(results, run),
		},
		"metrics": document{
			"duration_seconds": getFloat(run, "duration_seconds", "duration"),
			"api_calls":        getInt(run, "api_calls", "calls"),
			"errors":           getInt(run, "errors", "error_count"),
		},
		LegacyKey: orig,
	}
	if completed {
		v1["completed_at"] = getTime(run, created, "completed_at", "finished_at").Format(time.RFC3339Nano)
	}
	if v1["job_type"] == string(KindFull) {
		v1["parent_run_id"] = ""
	}
	return v1, nil
}

// migrateV1toV2 renames job_type to kind, metrics to execution, and adds
// empty gap metrics.
func migrateV1toV2(doc document, _ migrationEnv) (document, error) {
	out := make(document, len(doc)+2)
	for k, v := range doc {
		out[k] = v
	}

	kind := firstNonEmpty(getString(doc, "job_type"), string(KindFull))
	if !Kind(kind).Valid() {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown job_type %q", kind)
	}
	out["kind"] = kind
	delete(out, "job_type")

	metrics, _ := doc["metrics"].(document)
	out["execution"] = document{
		"duration_seconds": getFloat(metrics, "duration_seconds"),
		"calls":            getInt(metrics, "api_calls", "calls"),
		"errors":           getInt(metrics, "errors"),
		"retries":          getInt(metrics, "retries"),
	}
	delete(out, "metrics")

	if _, ok := out["gaps"]; !ok {
		out["gaps"] = document{"total_gaps": 0, "by_pillar": document{}}
	}
	return out, nil
}

func getString(m document, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func getFloat(m document, keys ...string) float64 {
	for _, k := range keys {
		if f, ok := m[k].(float64); ok {
			return f
		}
	}
	return 0
}

func getInt(m document, keys ...string) int {
	return int(getFloat(m, keys...))
}

func getBool(m document, keys ...string) bool {
	for _, k := range keys {
		if b, ok := m[k].(bool); ok {
			return b
		}
	}
	return false
}

// getTime accepts RFC 3339 strings or unix seconds
func getTime(m document, fallback time.Time, keys ...string) time.Time {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t.UTC()
			}
		case float64:
			sec, frac := math.Modf(v)
			return time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
	}
	return fallback
}

func pillarCoverage(sources ...document) document {
	for _, src := range sources {
		for _, key := range []string{"pillar_coverage", "by_pillar"} {
			raw, ok := src[key].(document)
			if !ok {
				continue
			}
			out := make(document, len(raw))
			for pillar, v := range raw {
				if f, ok := v.(float64); ok {
					out[pillar] = fraction(f)
				}
			}
			return out
		}
	}
	return document{}
}

// fraction returns the first non-zero value normalised to 0-1
func fraction(values ...float64) float64 {
	for _, v := range values {
		if v == 0 {
			continue
		}
		if v > 1 {
			return v / 100
		}
		return v
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// decodeDocument converts a migrated document into a Run
func decodeDocument(doc document) (*Run, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "encode migrated run state")
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, errors.Wrap(err, "decode run state")
	}
	return &run, nil
}
