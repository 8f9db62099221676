package sync2

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// TransactionIDCache remembers which event ID each local transaction ID
// resolved to, so remote echoes of our own sends can be recognised exactly
// once. Entries are kept for 5 minutes; an echo arriving later than that is
// treated as a foreign event.
type TransactionIDCache struct {
	cache *ttlcache.Cache[string, string]
}

func NewTransactionIDCache() *TransactionIDCache {
	c := ttlcache.New(
		ttlcache.WithTTL[string, string](5*time.Minute),
		ttlcache.WithDisableTouchOnHit[string, string](), // we don't care how many times they ask for the item, 5min is the limit.
	)
	go c.Start()
	return &TransactionIDCache{
		cache: c,
	}
}

// Store a transaction ID seen in the unsigned block of a /sync event.
func (c *TransactionIDCache) Store(userID, txnID, eventID string) {
	c.cache.Set(cacheKey(userID, txnID), eventID, ttlcache.DefaultTTL)
}

// Get the event ID a transaction previously resolved to, or "".
func (c *TransactionIDCache) Get(userID, txnID string) string {
	item := c.cache.Get(cacheKey(userID, txnID))
	if item != nil {
		return item.Value()
	}
	return ""
}

func (c *TransactionIDCache) Stop() {
	c.cache.Stop()
}

func cacheKey(userID, txnID string) string {
	return userID + " " + txnID
}
