package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ActionType names the operation an action performs and picks its handler.
type ActionType string

// ActionType values.
const (
	ActionSearch           ActionType = "search"
	ActionSaveSearch       ActionType = "save_search"
	ActionTag              ActionType = "tag"
	ActionFavorite         ActionType = "favorite"
	ActionCreateCollection ActionType = "create_collection"
	ActionUpdateCollection ActionType = "update_collection"
	ActionDeleteCollection ActionType = "delete_collection"
	ActionCollectionItems  ActionType = "collection_items"
	ActionBuildIndex       ActionType = "build_index"
)

// payloadFactories maps each action type to a constructor for its payload variant.
var payloadFactories = map[ActionType]func() Payload{
	ActionSearch:           func() Payload { return &SearchPayload{} },
	ActionSaveSearch:       func() Payload { return &SaveSearchPayload{} },
	ActionTag:              func() Payload { return &TagPayload{} },
	ActionFavorite:         func() Payload { return &FavoritePayload{} },
	ActionCreateCollection: func() Payload { return &CreateCollectionPayload{} },
	ActionUpdateCollection: func() Payload { return &UpdateCollectionPayload{} },
	ActionDeleteCollection: func() Payload { return &DeleteCollectionPayload{} },
	ActionCollectionItems:  func() Payload { return &CollectionItemsPayload{} },
	ActionBuildIndex:       func() Payload { return &BuildIndexPayload{} },
}

// ActionTypes returns every known action type in a stable order.
func ActionTypes() []ActionType {
	out := make([]ActionType, 0, len(payloadFactories))
	for kind := range payloadFactories {
		out = append(out, kind)
	}
	slices.Sort(out)
	return out
}

// NormalizeActionType canonicalizes a user-supplied action type.
func NormalizeActionType(t ActionType) ActionType {
	return ActionType(strings.ToLower(strings.TrimSpace(string(t))))
}

// IsValidActionType reports whether t has a payload variant.
func IsValidActionType(t ActionType) bool {
	_, ok := payloadFactories[t]
	return ok
}

// Payload is the typed body of an action. Each variant belongs to exactly one ActionType.
type Payload interface {
	ActionType() ActionType
	Validate() error
}

var validate = validator.New()

func validatePayload(p any) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// DecodePayload parses raw JSON into the payload variant registered for kind.
func DecodePayload(kind ActionType, raw []byte) (Payload, error) {
	factory, ok := payloadFactories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, kind)
	}
	payload := factory()
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("%w: missing payload for %q", ErrInvalidPayload, kind)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, fmt.Errorf("%w: decode %q payload: %v", ErrInvalidPayload, kind, err)
	}
	return NormalizePayload(payload), nil
}

// NormalizePayload returns variants by value so type switches in handlers match plain structs.
// A nil variant pointer becomes a nil payload.
func NormalizePayload(p Payload) Payload {
	switch v := p.(type) {
	case *SearchPayload:
		return derefVariant(v)
	case *SaveSearchPayload:
		return derefVariant(v)
	case *TagPayload:
		return derefVariant(v)
	case *FavoritePayload:
		return derefVariant(v)
	case *CreateCollectionPayload:
		return derefVariant(v)
	case *UpdateCollectionPayload:
		return derefVariant(v)
	case *DeleteCollectionPayload:
		return derefVariant(v)
	case *CollectionItemsPayload:
		return derefVariant(v)
	case *BuildIndexPayload:
		return derefVariant(v)
	default:
		return p
	}
}

func derefVariant[T Payload](v *T) Payload {
	if v == nil {
		return nil
	}
	return *v
}

// SearchPayload runs a query against the remote index.
type SearchPayload struct {
	Query   string            `json:"query" validate:"required,max=1024"`
	Filters map[string]string `json:"filters,omitempty"`
	Limit   int               `json:"limit,omitempty" validate:"gte=0,lte=1000"`
}

// ActionType returns ActionSearch.
func (SearchPayload) ActionType() ActionType { return ActionSearch }

// Validate checks struct constraints.
func (p SearchPayload) Validate() error { return validatePayload(p) }

// SaveSearchPayload stores a named search configuration.
type SaveSearchPayload struct {
	Name    string            `json:"name" validate:"required,max=200"`
	Query   string            `json:"query" validate:"required,max=1024"`
	Filters map[string]string `json:"filters,omitempty"`
}

// ActionType returns ActionSaveSearch.
func (SaveSearchPayload) ActionType() ActionType { return ActionSaveSearch }

// Validate checks struct constraints.
func (p SaveSearchPayload) Validate() error { return validatePayload(p) }

// TagPayload adds and removes labels on one remote item.
type TagPayload struct {
	TargetID string   `json:"target_id" validate:"required"`
	Add      []string `json:"add,omitempty" validate:"dive,required,max=100"`
	Remove   []string `json:"remove,omitempty" validate:"dive,required,max=100"`
}

// ActionType returns ActionTag.
func (TagPayload) ActionType() ActionType { return ActionTag }

// Validate checks struct constraints and requires at least one tag edit.
func (p TagPayload) Validate() error {
	if err := validatePayload(p); err != nil {
		return err
	}
	if len(p.Add) == 0 && len(p.Remove) == 0 {
		return fmt.Errorf("%w: tag payload has no edits", ErrInvalidPayload)
	}
	return nil
}

// FavoritePayload marks or unmarks one remote item as a favorite.
type FavoritePayload struct {
	TargetID string `json:"target_id" validate:"required"`
	Favorite bool   `json:"favorite"`
}

// ActionType returns ActionFavorite.
func (FavoritePayload) ActionType() ActionType { return ActionFavorite }

// Validate checks struct constraints.
func (p FavoritePayload) Validate() error { return validatePayload(p) }

// CreateCollectionPayload creates a collection with a client-chosen id.
type CreateCollectionPayload struct {
	CollectionID string `json:"collection_id" validate:"required"`
	Name         string `json:"name" validate:"required,max=200"`
	Description  string `json:"description,omitempty" validate:"max=2000"`
}

// ActionType returns ActionCreateCollection.
func (CreateCollectionPayload) ActionType() ActionType { return ActionCreateCollection }

// Validate checks struct constraints.
func (p CreateCollectionPayload) Validate() error { return validatePayload(p) }

// UpdateCollectionPayload renames or redescribes a collection. Nil fields are unchanged.
type UpdateCollectionPayload struct {
	CollectionID string  `json:"collection_id" validate:"required"`
	Name         *string `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Description  *string `json:"description,omitempty" validate:"omitempty,max=2000"`
}

// ActionType returns ActionUpdateCollection.
func (UpdateCollectionPayload) ActionType() ActionType { return ActionUpdateCollection }

// Validate checks struct constraints.
func (p UpdateCollectionPayload) Validate() error {
	if err := validatePayload(p); err != nil {
		return err
	}
	if p.Name == nil && p.Description == nil {
		return fmt.Errorf("%w: update collection payload has no changes", ErrInvalidPayload)
	}
	return nil
}

// DeleteCollectionPayload removes a collection.
type DeleteCollectionPayload struct {
	CollectionID string `json:"collection_id" validate:"required"`
}

// ActionType returns ActionDeleteCollection.
func (DeleteCollectionPayload) ActionType() ActionType { return ActionDeleteCollection }

// Validate checks struct constraints.
func (p DeleteCollectionPayload) Validate() error { return validatePayload(p) }

// CollectionItemsPayload adds items to and removes items from a collection.
type CollectionItemsPayload struct {
	CollectionID string   `json:"collection_id" validate:"required"`
	Add          []string `json:"add,omitempty" validate:"dive,required"`
	Remove       []string `json:"remove,omitempty" validate:"dive,required"`
}

// ActionType returns ActionCollectionItems.
func (CollectionItemsPayload) ActionType() ActionType { return ActionCollectionItems }

// Validate checks struct constraints and requires at least one item edit.
func (p CollectionItemsPayload) Validate() error {
	if err := validatePayload(p); err != nil {
		return err
	}
	if len(p.Add) == 0 && len(p.Remove) == 0 {
		return fmt.Errorf("%w: collection items payload has no edits", ErrInvalidPayload)
	}
	return nil
}

// BuildIndexPayload requests a (re)build of a named search index.
type BuildIndexPayload struct {
	IndexName string   `json:"index_name" validate:"required,max=200"`
	Paths     []string `json:"paths,omitempty" validate:"dive,required"`
	Full      bool     `json:"full,omitempty"`
}

// ActionType returns ActionBuildIndex.
func (BuildIndexPayload) ActionType() ActionType { return ActionBuildIndex }

// Validate checks struct constraints.
func (p BuildIndexPayload) Validate() error { return validatePayload(p) }
