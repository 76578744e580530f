package screen

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"bringyour.com/erpclient/model"
)

func TestSearchPagination(t *testing.T) {
	ctx := context.Background()
	executor := newTestExecutor()
	putParties(executor, 5)
	tree := newTreeView()
	screen := newTestScreen(executor, 2, tree)

	n, err := screen.SearchFilter(ctx, "")
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 2)
	assert.Equal(t, screen.Group().Ids(), []int64{1, 2})
	assert.Equal(t, screen.SearchCount(), int64(5))
	assert.Equal(t, screen.NextEnabled(), true)
	assert.Equal(t, screen.PrevEnabled(), false)
	assert.Equal(t, len(executor.Calls("model.party.party.search_count")), 1)

	n, err = screen.SearchNext(ctx, "")
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 2)
	assert.Equal(t, screen.Offset(), 2)
	assert.Equal(t, screen.Group().Ids(), []int64{3, 4})
	assert.Equal(t, screen.NextEnabled(), true)
	assert.Equal(t, screen.PrevEnabled(), true)

	n, err = screen.SearchNext(ctx, "")
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 1)
	assert.Equal(t, screen.Offset(), 4)
	assert.Equal(t, screen.Group().Ids(), []int64{5})
	assert.Equal(t, screen.NextEnabled(), false)
	// a partial page is the last one
	assert.Equal(t, len(executor.Calls("model.party.party.search_count")), 2)

	n, err = screen.SearchPrev(ctx, "")
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 2)
	assert.Equal(t, screen.Offset(), 2)
	assert.Equal(t, screen.Generation(), uint64(4))

	// the list view loads its fields for the whole page
	reads := executor.Calls("model.party.party.read")
	assert.Equal(t, reads[len(reads)-1].Args[0], []int64{3, 4})
	assert.Equal(t, reads[len(reads)-1].Args[1], []string{"name", "code", "_timestamp"})
	assert.Equal(t, tree.displayed.Id(), int64(3))
}

func TestSearchDomain(t *testing.T) {
	ctx := context.Background()
	executor := newTestExecutor()
	putParties(executor, 1)
	screen := newTestScreen(executor, 10, newTreeView())
	screen.SetDomainParser(&testParser{})
	screen.SetDomain([]any{[]any{"active", "=", true}})
	screen.SetTabDomain([]any{[]any{"code", "!=", nil}})

	_, err := screen.SearchFilter(ctx, "par")
	assert.Equal(t, err, nil)

	calls := executor.Calls("model.party.party.search")
	assert.Equal(t, len(calls), 1)
	assert.Equal(t, calls[0].Args[0], []any{
		"AND",
		[]any{[]any{"name", "ilike", "%par%"}},
		[]any{[]any{"active", "=", true}},
		[]any{[]any{"code", "!=", nil}},
	})
	assert.Equal(t, calls[0].Args[1], 0)
	assert.Equal(t, calls[0].Args[2], 10)
	assert.Equal(t, calls[0].Args[4], map[string]any{"language": "en"})
	// less than a page needs no count
	assert.Equal(t, len(executor.Calls("model.party.party.search_count")), 0)
	assert.Equal(t, screen.SearchText(), "par")
	assert.Equal(t, screen.SearchComplete("x"), []string{"xa", "xb"})

	_, err = screen.SearchFilter(ctx, "(")
	assert.NotEqual(t, err, nil)
	assert.Equal(t, len(executor.Calls("model.party.party.search")), 1)
}

func TestSearchRefusesUnsavedChanges(t *testing.T) {
	ctx := context.Background()
	executor := newTestExecutor()
	putParties(executor, 2)
	screen := newTestScreen(executor, 10, newFormView())

	_, err := screen.SearchFilter(ctx, "")
	assert.Equal(t, err, nil)
	record := screen.CurrentRecord()
	assert.Equal(t, record.Id(), int64(1))

	record.Set("code", "changed")
	_, err = screen.SearchFilter(ctx, "")
	assert.Equal(t, errors.Is(err, model.ErrUnsavedChanges), true)
	assert.Equal(t, record.Destroyed(), false)

	record.Cancel()
	_, err = screen.SearchFilter(ctx, "")
	assert.Equal(t, err, nil)
	// the previous group was released
	assert.Equal(t, record.Destroyed(), true)
}

func TestSearchFilterAsyncDiscardsStale(t *testing.T) {
	ctx := context.Background()
	executor := newTestExecutor()
	putParties(executor, 3)
	dispatcher := &testDispatcher{}
	screen := newTestScreen(executor, 10, newTreeView())
	screen.SetDomainParser(&testParser{})
	screen.SetDispatcher(dispatcher)

	release := make(chan struct{})
	executor.Handle("model.party.party.search", func(args []any) (any, error) {
		domain := args[0].([]any)
		if domain[0].([]any)[2] == "%slow%" {
			<-release
			return []int64{1, 2, 3}, nil
		}
		return []int64{2}, nil
	})

	slowCalled := false
	screen.SearchFilterAsync(ctx, "slow", func(n int, err error) {
		slowCalled = true
	})
	fastN := -1
	screen.SearchFilterAsync(ctx, "fast", func(n int, err error) {
		assert.Equal(t, err, nil)
		fastN = n
	})
	assert.Equal(t, screen.Generation(), uint64(2))

	assert.Equal(t, dispatcher.RunNext(time.Second), true)
	assert.Equal(t, fastN, 1)
	assert.Equal(t, screen.Group().Ids(), []int64{2})

	close(release)
	assert.Equal(t, dispatcher.RunNext(time.Second), true)
	assert.Equal(t, slowCalled, false)
	assert.Equal(t, screen.Group().Ids(), []int64{2})
}

func TestSearchFilterAsyncWithoutDispatcher(t *testing.T) {
	ctx := context.Background()
	executor := newTestExecutor()
	screen := newTestScreen(executor, 10, newTreeView())

	var searchErr error
	screen.SearchFilterAsync(ctx, "", func(n int, err error) {
		searchErr = err
	})
	assert.Equal(t, searchErr, ErrNoDispatcher)
	assert.Equal(t, len(executor.Calls("")), 0)
}

func TestChildScreenDoesNotSearch(t *testing.T) {
	ctx := context.Background()
	executor := newTestExecutor()
	putParties(executor, 1)
	screen := newTestScreen(executor, 10, newFormView())
	_, err := screen.SearchFilter(ctx, "")
	assert.Equal(t, err, nil)

	child, err := NewChildScreen(executor, screen.CurrentRecord(), "lines", DefaultScreenSettings())
	assert.Equal(t, err, nil)
	assert.Equal(t, child.ModelName(), "party.line")
	_, err = child.SearchFilter(ctx, "")
	assert.Equal(t, err, ErrChildScreen)

	_, err = NewChildScreen(executor, screen.CurrentRecord(), "name", DefaultScreenSettings())
	assert.NotEqual(t, err, nil)
}
