package schema

// CurrentVersion is the schema version required by this build.
const CurrentVersion = 5

// Index declares a secondary index over a document field.
type Index struct {
	Name    string
	KeyPath string
}

// Store declares a collection, its primary key field and its indexes.
type Store struct {
	Name    Collection
	KeyPath string
	Indexes []Index
}

// Index looks up an index by name.
func (s Store) Index(name string) (Index, bool) {
	for _, idx := range s.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// Layout is the set of stores required at a schema version.
type Layout struct {
	Version int
	Stores  []Store
}

// Store looks up a store by collection name.
func (l Layout) Store(c Collection) (Store, bool) {
	for _, s := range l.Stores {
		if s.Name == c {
			return s, true
		}
	}
	return Store{}, false
}

// Collections lists the declared collection names in layout order.
func (l Layout) Collections() []Collection {
	out := make([]Collection, 0, len(l.Stores))
	for _, s := range l.Stores {
		out = append(out, s.Name)
	}
	return out
}

// Current returns the layout for CurrentVersion.
func Current() Layout {
	return LayoutAt(CurrentVersion)
}

// LayoutAt returns the layout required at version v. Versions below 4
// are not supported and yield the version 4 layout.
func LayoutAt(v int) Layout {
	queueIndexes := []Index{idx("action"), idx("table"), idx("timestamp")}
	if v >= 5 {
		queueIndexes = append(queueIndexes, idx("synced"))
	}
	if v < 4 {
		v = 4
	}
	return Layout{
		Version: v,
		Stores: []Store{
			{Name: Records, KeyPath: FieldID, Indexes: []Index{
				idx("type"), idx("category"), idx("date"), idx("amount"), idx(FieldCreatedAt),
			}},
			{Name: Believers, KeyPath: FieldID, Indexes: []Index{
				idx("name"), idx("phone"), idx("email"), idx("totalDonation"),
			}},
			{Name: Reminders, KeyPath: FieldID, Indexes: []Index{
				idx("dueDate"), idx("completed"), idx("repeat"),
			}},
			{Name: Categories, KeyPath: FieldID, Indexes: []Index{
				idx("type"), idx("name"),
			}},
			{Name: SyncQueue, KeyPath: FieldID, Indexes: queueIndexes},
			{Name: Settings, KeyPath: FieldKey},
		},
	}
}

func idx(field string) Index {
	return Index{Name: field, KeyPath: field}
}
