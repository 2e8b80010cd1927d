package configsync

import (
	"sync/atomic"

	flagz "github.com/matt-riley/flagz-sdk"
)

// Cache holds the current configuration document. Writers replace the whole
// document; readers get an immutable snapshot without locking.
type Cache struct {
	doc atomic.Pointer[flagz.ConfigDocument]
}

// Load returns the current document, or nil before the first successful fetch.
func (c *Cache) Load() *flagz.ConfigDocument {
	return c.doc.Load()
}

// Store replaces the current document.
func (c *Cache) Store(doc *flagz.ConfigDocument) {
	c.doc.Store(doc)
}

// ETag returns the ETag of the current document, or "".
func (c *Cache) ETag() string {
	if doc := c.doc.Load(); doc != nil {
		return doc.ETag
	}
	return ""
}
