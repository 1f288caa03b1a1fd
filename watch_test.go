package chronodb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReceivesMatchingEvents(t *testing.T) {
	db := openTestDB(t)
	sub := db.Watch("widgets", OpInsert)
	defer sub.Close()

	coll := db.Collection("widgets")
	_, err := coll.Insert(NewDocument("name", "sprocket"))
	require.NoError(t, err)

	select {
	case ev := <-sub.C:
		assert.Equal(t, "widgets", ev.Collection)
		assert.Equal(t, OpInsert, ev.Op)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestWatchFiltersByCollectionAndOp(t *testing.T) {
	db := openTestDB(t)
	sub := db.Watch("gadgets", OpInsert)
	defer sub.Close()

	widgets := db.Collection("widgets")
	_, err := widgets.Insert(NewDocument("name", "sprocket"))
	require.NoError(t, err)

	gadgets := db.Collection("gadgets")
	id, err := gadgets.Insert(NewDocument("name", "thingamajig"))
	require.NoError(t, err)
	require.NoError(t, gadgets.DeleteByID(id))

	select {
	case ev := <-sub.C:
		assert.Equal(t, "gadgets", ev.Collection)
		assert.Equal(t, OpInsert, ev.Op)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the matching insert event")
	}

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected extra event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchClosedSubscriptionStopsDelivery(t *testing.T) {
	db := openTestDB(t)
	sub := db.Watch("")
	sub.Close()

	coll := db.Collection("widgets")
	_, err := coll.Insert(NewDocument("name", "sprocket"))
	require.NoError(t, err)

	_, ok := <-sub.C
	assert.False(t, ok, "channel must be closed once Close is called")
}

func TestSubscriptionOverflowedReportsAndClears(t *testing.T) {
	db := openTestDB(t)
	sub := db.Watch("widgets", OpInsert)
	defer sub.Close()

	coll := db.Collection("widgets")
	for i := 0; i < watchQueueCapacity+10; i++ {
		_, err := coll.Insert(NewDocument("i", i))
		require.NoError(t, err)
	}

	assert.True(t, sub.Overflowed(), "a slow subscriber must observe an overflow after exceeding its queue capacity")
	assert.False(t, sub.Overflowed(), "Overflowed must clear the flag once observed")
}
