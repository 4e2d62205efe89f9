package modeler

import (
	"fmt"

	"github.com/c360studio/migrator/agent/intake"
	"github.com/c360studio/migrator/model"
)

// PlanArtifact is the storage routing file downstream stages consume.
const PlanArtifact = "storage-plan.json"

// Store identifies which backing store an entity lands in.
type Store string

// The two stores the generated backend can use.
const (
	StorePostgres Store = "postgres"
	StoreMongo    Store = "mongo"
)

// Entry records the routing decision for one entity, with a
// human-readable reason so reviewers can audit the split.
type Entry struct {
	Name   string `json:"name"`
	Store  Store  `json:"store"`
	Reason string `json:"reason"`
}

// Plan is the storage-plan.json artifact: every contract entity routed
// to exactly one store. Mode echoes the job's db_stack; Strategy is
// set only for hybrid plans.
type Plan struct {
	Mode     model.DBStack        `json:"mode"`
	Strategy model.HybridStrategy `json:"strategy,omitempty"`
	Entities []Entry              `json:"entities"`
}

// ForStore returns the entries routed to a given store, in plan order.
func (p *Plan) ForStore(store Store) []Entry {
	var out []Entry
	for _, e := range p.Entities {
		if e.Store == store {
			out = append(out, e)
		}
	}
	return out
}

// HasStore reports whether any entity routes to the given store.
func (p *Plan) HasStore(store Store) bool {
	for _, e := range p.Entities {
		if e.Store == store {
			return true
		}
	}
	return false
}

// buildPlan routes every contract entity to a store according to the
// job's db_stack, hybrid strategy and per-entity overrides. The only
// error case is a contradictory override: the same entity listed in
// both mongoEntities and postgresEntities.
func buildPlan(job *model.Job, entities []intake.Entity) (*Plan, error) {
	plan := &Plan{Mode: job.DBStack, Entities: make([]Entry, 0, len(entities))}
	if job.DBStack == model.DBHybrid {
		plan.Strategy = job.DBPreferences.HybridStrategy
		if plan.Strategy == "" {
			plan.Strategy = model.StrategyDocToMongo
		}
	}

	for _, entity := range entities {
		var entry Entry
		switch job.DBStack {
		case model.DBMongo:
			entry = Entry{Name: entity.Name, Store: StoreMongo,
				Reason: "db_stack is mongo; every entity uses the document store"}
		case model.DBHybrid:
			var err error
			entry, err = routeHybrid(entity, plan.Strategy, job.DBPreferences)
			if err != nil {
				return nil, err
			}
		default:
			entry = Entry{Name: entity.Name, Store: StorePostgres,
				Reason: "db_stack is postgres; every entity uses the relational store"}
		}
		plan.Entities = append(plan.Entities, entry)
	}
	return plan, nil
}

// routeHybrid decides one entity's store under hybrid mode. Explicit
// overrides win over shape heuristics; the heuristics differ per
// strategy only in where a simple additionalProperties map lands.
func routeHybrid(entity intake.Entity, strategy model.HybridStrategy, prefs model.DBPreferences) (Entry, error) {
	inMongo := containsName(prefs.MongoEntities, entity.Name)
	inPostgres := containsName(prefs.PostgresEntities, entity.Name)
	if inMongo && inPostgres {
		return Entry{}, fmt.Errorf(
			"entity %q appears in both db_preferences.mongoEntities and db_preferences.postgresEntities", entity.Name)
	}
	if inMongo {
		return Entry{Name: entity.Name, Store: StoreMongo,
			Reason: "explicit override: listed in db_preferences.mongoEntities"}, nil
	}
	if inPostgres {
		return Entry{Name: entity.Name, Store: StorePostgres,
			Reason: "explicit override: listed in db_preferences.postgresEntities"}, nil
	}

	mapField, hasMap := findMapField(entity)
	arrayField, hasArrayOfObjects := findArrayOfObjectsField(entity)

	if strategy == model.StrategyPostgresJSONBFirst {
		if hasArrayOfObjects {
			return Entry{Name: entity.Name, Store: StoreMongo,
				Reason: fmt.Sprintf("field %q is an array of objects; nested documents fit the document store", arrayField)}, nil
		}
		if hasMap {
			return Entry{Name: entity.Name, Store: StorePostgres,
				Reason: fmt.Sprintf("field %q is an additionalProperties map stored as a jsonb column", mapField)}, nil
		}
		return Entry{Name: entity.Name, Store: StorePostgres,
			Reason: "uniform primitive fields fit the relational store"}, nil
	}

	// docToMongo: any variable shape routes to the document store.
	if hasMap {
		return Entry{Name: entity.Name, Store: StoreMongo,
			Reason: fmt.Sprintf("field %q is an additionalProperties map with variable keys", mapField)}, nil
	}
	if hasArrayOfObjects {
		return Entry{Name: entity.Name, Store: StoreMongo,
			Reason: fmt.Sprintf("field %q is an array of objects", arrayField)}, nil
	}
	return Entry{Name: entity.Name, Store: StorePostgres,
		Reason: "uniform primitive fields fit the relational store"}, nil
}

// findMapField returns the first field whose schema allows arbitrary
// keys.
func findMapField(entity intake.Entity) (string, bool) {
	for _, f := range entity.Fields {
		if f.AdditionalProps {
			return f.Name, true
		}
	}
	return "", false
}

// findArrayOfObjectsField returns the first array field with object
// elements.
func findArrayOfObjectsField(entity intake.Entity) (string, bool) {
	for _, f := range entity.Fields {
		if f.Type == "array" && f.Items == "object" {
			return f.Name, true
		}
	}
	return "", false
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
