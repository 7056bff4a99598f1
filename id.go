package acidic

import "github.com/xraph/acidic/id"

// ID is the primary identifier type for all acidic entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
