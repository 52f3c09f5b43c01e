package querybuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidschrooten/open-search-facade/internal/search"
)

type fixedBuilder struct{ name string }

func (b *fixedBuilder) ToQuery() search.Query {
	return search.Query{Clause: map[string]interface{}{"fixed": b.name}}
}

func TestDefaultBuilder_Empty(t *testing.T) {
	q := NewDefaultBuilder().ToQuery()
	assert.Equal(t, search.MatchAll().Clause, q.Clause)
}

func TestDefaultBuilder_KeywordsOnly(t *testing.T) {
	b := &DefaultBuilder{}
	b.SetKeywords("hello").SetFields("title", "content")

	q := b.ToQuery()
	text, ok := q.Clause["text"].(map[string]interface{})
	require.True(t, ok, "expected a text clause, got %v", q.Clause)
	assert.Equal(t, "hello", text["query"])
	assert.Equal(t, []string{"title", "content"}, text["path"])
}

func TestDefaultBuilder_FiltersAndTypes(t *testing.T) {
	b := &DefaultBuilder{}
	b.SetKeywords("news").
		AddFilter("status", "published").
		AddFilter("locale", "en", "de").
		SetTypes("Article").
		SortBy("-published_at")

	q := b.ToQuery()
	assert.Equal(t, []string{"-published_at"}, q.Sort)

	compound, ok := q.Clause["compound"].(map[string]interface{})
	require.True(t, ok)
	require.Len(t, compound["must"], 1)

	filter := compound["filter"].([]interface{})
	require.Len(t, filter, 3)

	// Filters are ordered by field name, type restriction last
	first := filter[0].(map[string]interface{})["term"].(map[string]interface{})
	assert.Equal(t, "locale", first["path"])
	assert.Equal(t, []string{"en", "de"}, first["value"])

	last := filter[2].(map[string]interface{})["term"].(map[string]interface{})
	assert.Equal(t, search.TypeField, last["path"])
	assert.Equal(t, []string{"Article"}, last["value"])
}

func TestDefaultBuilder_FilterWithoutKeywords(t *testing.T) {
	b := &DefaultBuilder{}
	b.SetTypes("Page")

	compound := b.ToQuery().Clause["compound"].(map[string]interface{})
	must := compound["must"].([]interface{})
	require.Len(t, must, 1)
	assert.Equal(t, search.MatchAll().Clause, must[0])
}

func TestQueryStringBuilder(t *testing.T) {
	b := NewQueryStringBuilder().(*QueryStringBuilder)
	b.SetParams(Params{Keywords: "+title:go -draft", Highlight: []string{"title"}})

	q := b.ToQuery()
	qs, ok := q.Clause["queryString"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "+title:go -draft", qs["query"])
	assert.Equal(t, []string{"title"}, q.Highlight)
}

func TestBuildersAreParameterized(t *testing.T) {
	var _ Parameterized = &DefaultBuilder{}
	var _ Parameterized = &QueryStringBuilder{}
}

func TestRegistry_DefaultFallback(t *testing.T) {
	r := NewRegistry(func() Builder { return &fixedBuilder{name: "default"} })

	b := r.Get("missing")
	assert.Equal(t, "default", b.(*fixedBuilder).name)
	assert.Equal(t, []string{DefaultName}, r.Names())
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("fulltext", func() Builder { return &fixedBuilder{name: "fulltext"} })

	b := r.Get("fulltext")
	assert.Equal(t, "fulltext", b.(*fixedBuilder).name)
	assert.True(t, r.Has("fulltext"))
	assert.Equal(t, []string{DefaultName, "fulltext"}, r.Names())

	_, isDefault := r.Get(DefaultName).(*DefaultBuilder)
	assert.True(t, isDefault)
}

func TestRegistry_GetReturnsFreshInstances(t *testing.T) {
	r := NewRegistry(nil)

	first := r.Get(DefaultName).(*DefaultBuilder)
	first.SetKeywords("leaked")

	second := r.Get(DefaultName).(*DefaultBuilder)
	assert.NotSame(t, first, second)
	assert.Empty(t, second.params.Keywords)
}

func TestRegistry_RegisterOverwrites(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(DefaultName, func() Builder { return &fixedBuilder{name: "replaced"} })

	assert.Equal(t, "replaced", r.Get("anything").(*fixedBuilder).name)
}

func TestRegistry_FactoriesIsCopy(t *testing.T) {
	r := NewRegistry(nil)

	f := r.Factories()
	f["injected"] = NewQueryStringBuilder

	assert.False(t, r.Has("injected"))
	assert.Len(t, r.Factories(), 1)
}

func TestRegistry_IgnoresInvalidRegistration(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("", NewQueryStringBuilder)
	r.Register("nil", nil)

	assert.Equal(t, []string{DefaultName}, r.Names())
}
