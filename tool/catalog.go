package tool

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/petal-labs/petaltodo/todo"
)

// Name identifies one operation in the catalog.
type Name string

const (
	NameCreate         Name = "create"
	NameList           Name = "list"
	NameGet            Name = "get"
	NameUpdate         Name = "update"
	NameDelete         Name = "delete"
	NameMarkComplete   Name = "mark_complete"
	NameMarkIncomplete Name = "mark_incomplete"
)

// Names returns every catalog operation in catalog order.
func Names() []Name {
	return []Name{
		NameCreate,
		NameList,
		NameGet,
		NameUpdate,
		NameDelete,
		NameMarkComplete,
		NameMarkIncomplete,
	}
}

var aliases = map[string]Name{
	"create_todo":          NameCreate,
	"list_todos":           NameList,
	"get_todo":             NameGet,
	"update_todo":          NameUpdate,
	"delete_todo":          NameDelete,
	"mark_todo_complete":   NameMarkComplete,
	"mark_todo_incomplete": NameMarkIncomplete,
}

// Resolve maps a caller-supplied tool name, including the legacy *_todo
// aliases, onto a catalog name.
func Resolve(raw string) (Name, bool) {
	clean := strings.TrimSpace(raw)
	for _, name := range Names() {
		if string(name) == clean {
			return name, true
		}
	}
	name, ok := aliases[clean]
	return name, ok
}

// Definition describes one tool for discovery.
type Definition struct {
	Name        Name               `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"input_schema"`
}

// Catalog returns the declared definitions for every tool. The returned
// schemas are fresh copies and may be modified by the caller.
func Catalog() []Definition {
	return []Definition{
		{
			Name:        NameCreate,
			Description: "Create a new todo item",
			InputSchema: objectSchema([]string{"title"}, map[string]*jsonschema.Schema{
				"title":           boundedString("Title of the todo (required, 1-200 chars after trimming)", 1, todo.MaxTitleLength),
				"description":     boundedString("Description of the todo (optional, max 1000 chars after trimming)", 0, todo.MaxDescriptionLength),
				"completed":       booleanWithDefault("Whether the todo is completed", false),
				"favorite":        booleanWithDefault("Whether the todo is favorited", false),
				"idempotency_key": idempotencyKeySchema(),
			}),
		},
		{
			Name:        NameList,
			Description: "List todos with optional filtering",
			InputSchema: objectSchema(nil, map[string]*jsonschema.Schema{
				"completed": {Type: "boolean", Description: "Filter by completion status"},
				"skip":      boundedInteger("Number of items to skip for pagination", 0, -1, 0),
				"limit":     boundedInteger("Maximum number of items to return", 1, todo.MaxListLimit, todo.DefaultListLimit),
			}),
		},
		{
			Name:        NameGet,
			Description: "Get a specific todo by ID",
			InputSchema: idOnlySchema("The ID of the todo to retrieve", false),
		},
		{
			Name:        NameUpdate,
			Description: "Update a todo item (partial update, at least one field required)",
			InputSchema: objectSchema([]string{"id"}, map[string]*jsonschema.Schema{
				"id":              idSchema("The ID of the todo to update"),
				"title":           boundedString("New title (1-200 chars after trimming)", 1, todo.MaxTitleLength),
				"description":     boundedString("New description (max 1000 chars after trimming)", 0, todo.MaxDescriptionLength),
				"completed":       {Type: "boolean", Description: "New completion status"},
				"favorite":        {Type: "boolean", Description: "New favorite status"},
				"idempotency_key": idempotencyKeySchema(),
			}),
		},
		{
			Name:        NameDelete,
			Description: "Delete a todo item",
			InputSchema: idOnlySchema("The ID of the todo to delete", true),
		},
		{
			Name:        NameMarkComplete,
			Description: "Mark a todo as completed (shorthand for update with completed=true)",
			InputSchema: idOnlySchema("The ID of the todo to mark as complete", true),
		},
		{
			Name:        NameMarkIncomplete,
			Description: "Mark a todo as incomplete (shorthand for update with completed=false)",
			InputSchema: idOnlySchema("The ID of the todo to mark as incomplete", true),
		},
	}
}

// Lookup returns the definition for name.
func Lookup(name Name) (Definition, bool) {
	for _, def := range Catalog() {
		if def.Name == name {
			return def, true
		}
	}
	return Definition{}, false
}

func objectSchema(required []string, properties map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

func idSchema(description string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "integer",
		Description: description,
	}
}

func idOnlySchema(description string, mutating bool) *jsonschema.Schema {
	properties := map[string]*jsonschema.Schema{"id": idSchema(description)}
	if mutating {
		properties["idempotency_key"] = idempotencyKeySchema()
	}
	return objectSchema([]string{"id"}, properties)
}

func idempotencyKeySchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Description: "Optional key that makes a retried call safe to repeat; the service replays the first outcome",
		MaxLength:   intPtr(255),
	}
}

func boundedString(description string, minLength, maxLength int) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:        "string",
		Description: description,
		MaxLength:   intPtr(maxLength),
	}
	if minLength > 0 {
		s.MinLength = intPtr(minLength)
	}
	return s
}

// boundedInteger builds an integer schema. A negative maximum means unbounded.
func boundedInteger(description string, minimum, maximum, def int) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:        "integer",
		Description: description,
		Minimum:     floatPtr(float64(minimum)),
		Default:     mustRaw(def),
	}
	if maximum >= 0 {
		s.Maximum = floatPtr(float64(maximum))
	}
	return s
}

func booleanWithDefault(description string, def bool) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "boolean",
		Description: description,
		Default:     mustRaw(def),
	}
}

func mustRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func intPtr(v int) *int {
	return &v
}

func floatPtr(v float64) *float64 {
	return &v
}

// CheckCatalog reports an error unless every operation has a definition with
// an object input schema. It backs the adapter health component.
func CheckCatalog() error {
	defs := Catalog()
	byName := make(map[Name]Definition, len(defs))
	for _, def := range defs {
		byName[def.Name] = def
	}
	for _, name := range Names() {
		def, ok := byName[name]
		if !ok {
			return fmt.Errorf("tool: catalog is missing %q", name)
		}
		if def.InputSchema == nil || def.InputSchema.Type != "object" {
			return fmt.Errorf("tool: %q has no object input schema", name)
		}
	}
	if len(byName) != len(Names()) {
		return fmt.Errorf("tool: catalog has %d tools, want %d", len(byName), len(Names()))
	}
	return nil
}
