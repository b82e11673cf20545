package pipevine

import "github.com/pipevine/pipevine/id"

// ID is the primary identifier type for all pipevine entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
