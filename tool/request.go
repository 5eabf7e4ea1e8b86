package tool

import (
	"github.com/petal-labs/petaltodo/todo"
)

// Request is a validated invocation. The implementations in this file are
// the complete set; Parse is the only constructor.
type Request interface {
	// Tool is the catalog name the caller invoked.
	Tool() Name
	sealed()
}

// CreateRequest creates one record.
type CreateRequest struct {
	Input          todo.CreateInput
	IdempotencyKey string
}

// ListRequest lists records.
type ListRequest struct {
	Filter todo.ListFilter
}

// GetRequest fetches one record.
type GetRequest struct {
	ID int64
}

// UpdateRequest applies a non-empty patch. Via records which catalog entry
// produced it, since mark_complete and mark_incomplete parse into updates.
type UpdateRequest struct {
	ID             int64
	Patch          todo.Patch
	IdempotencyKey string
	Via            Name
}

// DeleteRequest removes one record.
type DeleteRequest struct {
	ID             int64
	IdempotencyKey string
}

func (CreateRequest) Tool() Name   { return NameCreate }
func (ListRequest) Tool() Name     { return NameList }
func (GetRequest) Tool() Name      { return NameGet }
func (r UpdateRequest) Tool() Name { return r.Via }
func (DeleteRequest) Tool() Name   { return NameDelete }

func (CreateRequest) sealed() {}
func (ListRequest) sealed()   {}
func (GetRequest) sealed()    {}
func (UpdateRequest) sealed() {}
func (DeleteRequest) sealed() {}

// Parse validates args against the named tool. Every check happens here so
// that an invalid invocation never reaches the transport.
func Parse(name Name, args Arguments) (Request, error) {
	if args == nil {
		args = Arguments{}
	}
	switch name {
	case NameCreate:
		return parseCreate(args)
	case NameList:
		return parseList(args)
	case NameGet:
		id, err := args.recordID()
		if err != nil {
			return nil, err
		}
		return GetRequest{ID: id}, nil
	case NameUpdate:
		return parseUpdate(NameUpdate, args)
	case NameDelete:
		id, err := args.recordID()
		if err != nil {
			return nil, err
		}
		key, err := args.idempotencyKey()
		if err != nil {
			return nil, err
		}
		return DeleteRequest{ID: id, IdempotencyKey: key}, nil
	case NameMarkComplete:
		return parseUpdate(NameMarkComplete, markArguments(args, true))
	case NameMarkIncomplete:
		return parseUpdate(NameMarkIncomplete, markArguments(args, false))
	default:
		return nil, todo.Errorf(todo.KindInvalidTool, "Unknown tool: %s", name)
	}
}

// markArguments rewrites a mark_* call as the update arguments it stands for.
// Only the declared mark_* arguments carry over.
func markArguments(args Arguments, completed bool) Arguments {
	out := Arguments{"completed": completed}
	for _, key := range []string{"id", "todo_id", "idempotency_key"} {
		if value, ok := args[key]; ok {
			out[key] = value
		}
	}
	return out
}

func parseCreate(args Arguments) (Request, error) {
	title, err := args.str("title")
	if err != nil {
		return nil, err
	}
	description, err := args.str("description")
	if err != nil {
		return nil, err
	}
	completed, err := args.boolean("completed")
	if err != nil {
		return nil, err
	}
	favorite, err := args.boolean("favorite")
	if err != nil {
		return nil, err
	}
	key, err := args.idempotencyKey()
	if err != nil {
		return nil, err
	}

	in := todo.CreateInput{Description: description}
	if title != nil {
		in.Title = *title
	}
	if completed != nil {
		in.Completed = *completed
	}
	if favorite != nil {
		in.Favorite = *favorite
	}
	in, err = in.Normalize()
	if err != nil {
		return nil, err
	}
	return CreateRequest{Input: in, IdempotencyKey: key}, nil
}

func parseList(args Arguments) (Request, error) {
	completed, err := args.boolean("completed")
	if err != nil {
		return nil, err
	}
	skip, _, err := args.integer("skip")
	if err != nil {
		return nil, err
	}
	limit, _, err := args.integer("limit")
	if err != nil {
		return nil, err
	}

	filter := todo.ListFilter{Completed: completed, Limit: todo.DefaultListLimit}
	if skip != nil {
		if *skip < 0 {
			return nil, todo.Errorf(todo.KindValidation, "skip must be greater than or equal to 0")
		}
		filter.Skip = int(*skip)
	}
	if limit != nil {
		if *limit < 1 || *limit > todo.MaxListLimit {
			return nil, todo.Errorf(todo.KindValidation, "limit must be between 1 and %d", todo.MaxListLimit)
		}
		filter.Limit = int(*limit)
	}
	filter, err = filter.Normalize()
	if err != nil {
		return nil, err
	}
	return ListRequest{Filter: filter}, nil
}

// parseUpdate checks the id, then each field, then that at least one field
// is present.
func parseUpdate(via Name, args Arguments) (Request, error) {
	id, err := args.recordID()
	if err != nil {
		return nil, err
	}

	var patch todo.Patch
	if patch.Title, err = args.str("title"); err != nil {
		return nil, err
	}
	if patch.Description, err = args.str("description"); err != nil {
		return nil, err
	}
	if patch.Completed, err = args.boolean("completed"); err != nil {
		return nil, err
	}
	if patch.Favorite, err = args.boolean("favorite"); err != nil {
		return nil, err
	}
	if patch, err = patch.Normalize(); err != nil {
		return nil, err
	}
	if patch.Empty() {
		return nil, todo.Errorf(todo.KindValidation, "No fields to update. Please provide at least one field.")
	}

	key, err := args.idempotencyKey()
	if err != nil {
		return nil, err
	}
	return UpdateRequest{ID: id, Patch: patch, IdempotencyKey: key, Via: via}, nil
}
