package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMarkPriceTable(t *testing.T) {
	tbl := NewMarkPriceTable()
	now := time.Unix(1700000000, 0)
	tbl.now = func() time.Time { return now }

	tbl.Set("BTCUSDT", 65000.5)
	tbl.Set("ETHUSDT", 0) // ignored

	if p, ok := tbl.Get("BTCUSDT"); !ok || p != 65000.5 {
		t.Fatalf("Get = %v %v", p, ok)
	}
	if _, ok := tbl.Get("ETHUSDT"); ok {
		t.Error("non-positive price must not be stored")
	}

	now = now.Add(10 * time.Second)
	if _, age, ok := tbl.GetWithAge("BTCUSDT"); !ok || age != 10*time.Second {
		t.Errorf("age = %v", age)
	}
	if removed := tbl.Cleanup(5 * time.Second); removed != 1 || tbl.Len() != 0 {
		t.Errorf("cleanup removed %d, len %d", removed, tbl.Len())
	}
}

func TestShardedMapConcurrentUpdate(t *testing.T) {
	m := NewShardedMap[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Update(fmt.Sprintf("k%d", j%10), func(old int, _ bool) int { return old + 1 })
			}
		}(i)
	}
	wg.Wait()

	total := 0
	m.Range(func(_ string, v int) bool {
		total += v
		return true
	})
	if total != 5000 || m.Len() != 10 {
		t.Fatalf("total=%d len=%d", total, m.Len())
	}
}
