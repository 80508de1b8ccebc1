package schema

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
)

func testNaming() Naming {
	return NewNaming("snake_case", 0)
}

func eventsDelta(cols ...*Column) *Delta {
	d := &Delta{}
	td := d.Table("events")
	td.Resource = "events"
	td.Disposition = DispositionAppend
	td.Columns = cols
	return d
}

func baseSchema() *Schema {
	sch := NewSchema("analytics")
	t := NewTable("events", DispositionAppend)
	t.Resource = "events"
	t.AddColumn(&Column{Name: "id", Type: TypeInt})
	sch.Tables["events"] = t
	sch.Bump()
	return sch
}

func TestEngineEvolveNewTable(t *testing.T) {
	e := NewEngine(NewSchema("analytics"), testNaming(), ContractEvolve)

	applied, err := e.Merge(eventsDelta(
		&Column{Name: "id", Type: TypeInt},
		&Column{Name: "userName", Type: TypeText},
	))
	require.NoError(t, err)

	assert.True(t, applied.Changed)
	assert.Equal(t, []string{"events"}, applied.NewTables)
	assert.Equal(t, []string{"id", "user_name"}, applied.NewColumns["events"])
	assert.Equal(t, "id", applied.Names["events"]["id"])
	assert.Equal(t, "user_name", applied.Names["events"]["userName"])

	table := e.Snapshot().Table("events")
	require.NotNil(t, table)
	assert.Equal(t, "events", table.Resource)
	assert.Equal(t, []string{"id", "user_name"}, table.ColumnNames())
	assert.Equal(t, "userName", table.Column("user_name").SourceName)
	assert.Empty(t, table.Column("id").SourceName)
}

func TestEngineSnapshotsAreImmutable(t *testing.T) {
	e := NewEngine(NewSchema("analytics"), testNaming(), ContractEvolve)

	_, err := e.Merge(eventsDelta(&Column{Name: "id", Type: TypeInt}))
	require.NoError(t, err)
	before := e.Snapshot()

	_, err = e.Merge(eventsDelta(&Column{Name: "name", Type: TypeText}))
	require.NoError(t, err)

	assert.Len(t, before.Table("events").Columns, 1)
	assert.Len(t, e.Snapshot().Table("events").Columns, 2)
}

func TestEngineTypePromotion(t *testing.T) {
	e := NewEngine(NewSchema("analytics"), testNaming(), ContractEvolve)

	_, err := e.Merge(eventsDelta(&Column{Name: "amount", Type: TypeInt}))
	require.NoError(t, err)

	applied, err := e.Merge(eventsDelta(&Column{Name: "amount", Type: TypeFloat}))
	require.NoError(t, err)
	assert.Equal(t, []string{"amount"}, applied.Promoted["events"])
	assert.Equal(t, TypeFloat, e.Snapshot().Table("events").Column("amount").Type)

	// Narrower values conform to the widened column without another change.
	applied, err = e.Merge(eventsDelta(&Column{Name: "amount", Type: TypeInt}))
	require.NoError(t, err)
	assert.False(t, applied.Changed)
	assert.Equal(t, TypeFloat, e.Snapshot().Table("events").Column("amount").Type)

	applied, err = e.Merge(eventsDelta(&Column{Name: "amount", Type: TypeText}))
	require.NoError(t, err)
	assert.Equal(t, []string{"amount"}, applied.Promoted["events"])
	assert.Equal(t, TypeComplex, e.Snapshot().Table("events").Column("amount").Type)
}

func TestEngineNullableWidens(t *testing.T) {
	e := NewEngine(NewSchema("analytics"), testNaming(), ContractEvolve)

	_, err := e.Merge(eventsDelta(&Column{Name: "email", Type: TypeText}))
	require.NoError(t, err)
	assert.False(t, e.Snapshot().Table("events").Column("email").Nullable)

	applied, err := e.Merge(eventsDelta(&Column{Name: "email", Type: TypeUnknown, Nullable: true}))
	require.NoError(t, err)
	assert.True(t, applied.Changed)
	col := e.Snapshot().Table("events").Column("email")
	assert.True(t, col.Nullable)
	assert.Equal(t, TypeText, col.Type)
}

func TestEngineCollisionSuffix(t *testing.T) {
	e := NewEngine(NewSchema("analytics"), testNaming(), ContractEvolve)

	_, err := e.Merge(eventsDelta(&Column{Name: "userName", Type: TypeText}))
	require.NoError(t, err)

	// A distinct source label normalizing to the same identifier gets a
	// deterministic numeric suffix.
	applied, err := e.Merge(eventsDelta(&Column{Name: "user_name", Type: TypeText}))
	require.NoError(t, err)
	assert.Equal(t, "user_name_2", applied.Names["events"]["user_name"])

	table := e.Snapshot().Table("events")
	assert.Equal(t, []string{"user_name", "user_name_2"}, table.ColumnNames())

	// Both labels keep resolving to their own columns afterwards.
	applied, err = e.Merge(eventsDelta(
		&Column{Name: "userName", Type: TypeText},
		&Column{Name: "user_name", Type: TypeText},
	))
	require.NoError(t, err)
	assert.False(t, applied.Changed)
	assert.Equal(t, "user_name", applied.Names["events"]["userName"])
	assert.Equal(t, "user_name_2", applied.Names["events"]["user_name"])
}

func TestEngineCaseFolding(t *testing.T) {
	ci := NewEngine(NewSchema("analytics"), NewNaming("snake_case_ci", 0), ContractEvolve)

	_, err := ci.Merge(eventsDelta(&Column{Name: "Email", Type: TypeText}))
	require.NoError(t, err)

	applied, err := ci.Merge(eventsDelta(&Column{Name: "EMAIL", Type: TypeText}))
	require.NoError(t, err)
	assert.False(t, applied.Changed)
	assert.Equal(t, "email", applied.Names["events"]["EMAIL"])
	assert.Len(t, ci.Snapshot().Table("events").Columns, 1)

	// Case-sensitive naming treats the labels as distinct fields.
	cs := NewEngine(NewSchema("analytics"), testNaming(), ContractEvolve)
	_, err = cs.Merge(eventsDelta(&Column{Name: "Email", Type: TypeText}))
	require.NoError(t, err)
	applied, err = cs.Merge(eventsDelta(&Column{Name: "EMAIL", Type: TypeText}))
	require.NoError(t, err)
	assert.Equal(t, "email_2", applied.Names["events"]["EMAIL"])
}

func TestEngineFreezeRejectsChanges(t *testing.T) {
	sch := baseSchema()
	version, hash := sch.Version, sch.VersionHash
	e := NewEngine(sch, testNaming(), ContractFreeze)

	// Known structure resolves without error or mutation.
	applied, err := e.Merge(eventsDelta(&Column{Name: "id", Type: TypeInt}))
	require.NoError(t, err)
	assert.False(t, applied.Changed)
	assert.Equal(t, "id", applied.Names["events"]["id"])

	cases := []struct {
		name  string
		delta *Delta
	}{
		{"new column", eventsDelta(&Column{Name: "extra", Type: TypeText})},
		{"type promotion", eventsDelta(&Column{Name: "id", Type: TypeFloat})},
		{"new table", func() *Delta {
			d := &Delta{}
			d.Table("ghosts").Columns = []*Column{{Name: "id", Type: TypeInt}}
			return d
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Merge(tc.delta)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeContract))
			assert.Contains(t, err.Error(), "schema contract violation")
		})
	}

	snap := e.Snapshot()
	assert.Equal(t, version, snap.Version)
	assert.Equal(t, hash, snap.VersionHash)
	_, changed := e.Commit()
	assert.False(t, changed)
}

func TestEngineDiscard(t *testing.T) {
	e := NewEngine(baseSchema(), testNaming(), ContractDiscard)

	// Rows for unknown tables are dropped wholesale.
	d := &Delta{}
	d.Table("ghosts").Columns = []*Column{{Name: "id", Type: TypeInt}}
	applied, err := e.Merge(d)
	require.NoError(t, err)
	assert.True(t, applied.TableDropped("ghosts"))
	assert.Nil(t, e.Snapshot().Table("ghosts"))

	// New columns are admitted but flagged so values get stripped.
	applied, err = e.Merge(eventsDelta(&Column{Name: "note", Type: TypeText}))
	require.NoError(t, err)
	assert.Equal(t, []string{"note"}, applied.Discarded["events"])
	col := e.Snapshot().Table("events").Column("note")
	require.NotNil(t, col)
	assert.True(t, col.Discarded)

	// Nonconforming values are stripped instead of widening the column.
	applied, err = e.Merge(eventsDelta(&Column{Name: "id", Type: TypeText}))
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, applied.Stripped["events"])
	assert.Equal(t, TypeInt, e.Snapshot().Table("events").Column("id").Type)
}

func TestEngineCommitBumpsOncePerRun(t *testing.T) {
	e := NewEngine(NewSchema("analytics"), testNaming(), ContractEvolve)

	_, err := e.Merge(eventsDelta(&Column{Name: "id", Type: TypeInt}))
	require.NoError(t, err)
	_, err = e.Merge(eventsDelta(&Column{Name: "name", Type: TypeText}))
	require.NoError(t, err)

	sch, changed := e.Commit()
	require.True(t, changed)
	assert.Equal(t, 2, sch.Version)
	assert.Len(t, sch.PreviousHashes, 1)

	// Nothing new since the commit, the version is stable.
	again, changed := e.Commit()
	assert.False(t, changed)
	assert.Equal(t, sch.Version, again.Version)
	assert.Equal(t, sch.VersionHash, again.VersionHash)
}

func TestContentHashIgnoresDiscoveryOrder(t *testing.T) {
	a := NewSchema("analytics")
	ta := NewTable("events", DispositionAppend)
	ta.AddColumn(&Column{Name: "id", Type: TypeInt})
	ta.AddColumn(&Column{Name: "name", Type: TypeText})
	a.Tables["events"] = ta
	a.Tables["users"] = NewTable("users", DispositionMerge)

	b := NewSchema("analytics")
	b.Tables["users"] = NewTable("users", DispositionMerge)
	tb := NewTable("events", DispositionAppend)
	tb.AddColumn(&Column{Name: "name", Type: TypeText})
	tb.AddColumn(&Column{Name: "id", Type: TypeInt})
	b.Tables["events"] = tb

	assert.Equal(t, a.ContentHash(), b.ContentHash())
}

func TestContentHashStableAcrossSerialization(t *testing.T) {
	sch := baseSchema()

	raw, err := jsonpool.Marshal(sch)
	require.NoError(t, err)
	var decoded Schema
	require.NoError(t, jsonpool.Unmarshal(raw, &decoded))

	assert.Equal(t, sch.VersionHash, decoded.VersionHash)
	assert.Equal(t, sch.ContentHash(), decoded.ContentHash())
}

func TestBumpOnlyOnStructuralChange(t *testing.T) {
	sch := NewSchema("analytics")
	assert.False(t, sch.Bump())
	assert.Equal(t, 1, sch.Version)

	sch.Tables["events"] = NewTable("events", DispositionAppend)
	assert.True(t, sch.Bump())
	assert.Equal(t, 2, sch.Version)
	assert.Len(t, sch.PreviousHashes, 1)

	assert.False(t, sch.Bump())
	assert.Equal(t, 2, sch.Version)
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "schemas"))

	sch := baseSchema()
	path, err := store.Save(sch)
	require.NoError(t, err)
	require.FileExists(t, path)

	// Saving the same version again is a no-op.
	again, err := store.Save(sch)
	require.NoError(t, err)
	assert.Equal(t, path, again)

	loaded, err := store.Load("analytics")
	require.NoError(t, err)
	assert.Equal(t, sch.Version, loaded.Version)
	assert.Equal(t, sch.VersionHash, loaded.VersionHash)
	require.NotNil(t, loaded.Table("events"))
	assert.Equal(t, TypeInt, loaded.Table("events").Column("id").Type)

	sch.Table("events").AddColumn(&Column{Name: "name", Type: TypeText})
	require.True(t, sch.Bump())
	_, err = store.Save(sch)
	require.NoError(t, err)

	history, err := store.History("analytics")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Version)
	assert.Equal(t, 3, history[1].Version)

	latest, err := store.Load("analytics")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)

	previous, err := store.LoadVersion("analytics", 2)
	require.NoError(t, err)
	assert.Nil(t, previous.Table("events").Column("name"))

	_, err = store.LoadVersion("analytics", 9)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	_, err = store.Load("missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestStoreEmptyDirectory(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "never-created"))
	history, err := store.History("analytics")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStoreDottedSchemaName(t *testing.T) {
	store := NewStore(t.TempDir())

	sch := NewSchema("prod.analytics")
	sch.Tables["events"] = NewTable("events", DispositionAppend)
	sch.Bump()
	_, err := store.Save(sch)
	require.NoError(t, err)

	history, err := store.History("prod.analytics")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "prod.analytics", history[0].Name)
	assert.Equal(t, 2, history[0].Version)
}

func TestExportYAML(t *testing.T) {
	out, err := ExportYAML(baseSchema())
	require.NoError(t, err)
	assert.Contains(t, string(out), "name: analytics")
	assert.Contains(t, string(out), "tables:")
	assert.Contains(t, string(out), "version_hash:")
}

func TestSchemaChildNavigation(t *testing.T) {
	sch := NewSchema("analytics")
	sch.Tables["root"] = NewTable("root", DispositionAppend)
	tags := NewTable("root__tags", DispositionAppend)
	tags.Parent = "root"
	sch.Tables["root__tags"] = tags
	ids := NewTable("root__tags__ids", DispositionAppend)
	ids.Parent = "root__tags"
	sch.Tables["root__tags__ids"] = ids

	children := sch.ChildTables("root")
	require.Len(t, children, 1)
	assert.Equal(t, "root__tags", children[0].Name)
	assert.True(t, children[0].IsChild())

	assert.Equal(t, "root", sch.RootOf("root__tags__ids"))
	assert.Equal(t, "root", sch.RootOf("root"))
}
