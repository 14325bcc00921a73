package lock

import "fmt"

// Kind identifies a class of long-running operation.
type Kind string

const (
	KindMigration     Kind = "migration"
	KindBackup        Kind = "backup"
	KindServe         Kind = "serve"
	KindUpdate        Kind = "update"
	KindBranchPreview Kind = "branch_preview"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindMigration, KindBackup, KindServe, KindUpdate, KindBranchPreview}

// blockers is symmetric: if a blocks b then b blocks a. serve is blocked only
// by update, which is what a pointer switch holds.
var blockers = map[Kind][]Kind{
	KindUpdate:        {KindMigration, KindBackup, KindServe, KindBranchPreview},
	KindMigration:     {KindBackup, KindUpdate},
	KindBackup:        {KindMigration, KindUpdate},
	KindServe:         {KindUpdate},
	KindBranchPreview: {KindUpdate},
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := blockers[k]; !ok {
		return "", fmt.Errorf("unknown lock kind %q", s)
	}
	return k, nil
}

// BlockedBy returns the kinds that prevent k from being acquired.
func (k Kind) BlockedBy() []Kind {
	return blockers[k]
}

// Blocks reports whether a valid lock of kind other prevents acquiring k.
// A kind always blocks itself.
func (k Kind) Blocks(other Kind) bool {
	if k == other {
		return true
	}
	for _, b := range blockers[k] {
		if b == other {
			return true
		}
	}
	return false
}
