package cluster

// Item is a new document to cluster. Items are read-only to this package.
type Item struct {
	ID        string
	Title     string
	Embedding []float32
	// SocialPostIDs are social posts linked to the item; they follow it
	// into whichever cluster it joins.
	SocialPostIDs []string
}

// SourceLookup resolves an item id to its source label.
type SourceLookup interface {
	Source(itemID string) (string, bool)
}

// SourceMap is a SourceLookup backed by a map.
type SourceMap map[string]string

func (m SourceMap) Source(itemID string) (string, bool) {
	s, ok := m[itemID]
	return s, ok
}
