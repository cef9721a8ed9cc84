// Package capability описывает возможности RCS контактов и кэш этих
// возможностей, наполняемый anonymous fetch процедурой.
package capability

import (
	"sync"
	"time"
)

// Feature tag'и сервисов, публикуемые на Contact/Accept-Contact.
const (
	FeatureVideoShare   = "+g.3gpp.cs-voice"
	FeatureImageShare   = "+g.3gpp.app_ref=\"urn%3Aurn-7%3A3gpp-application.ims.iari.gsma-is\""
	FeatureChat         = "+g.oma.sip-im"
	FeatureFileTransfer = "+g.oma.sip-im.large-message"
)

// FeatureTags возвращает feature tag'и включенных возможностей для
// Contact заголовка REGISTER и OPTIONS.
func FeatureTags(c Capabilities) []string {
	var tags []string
	if c.ImageSharing {
		tags = append(tags, FeatureImageShare)
	}
	if c.VideoSharing || c.CSVideo {
		tags = append(tags, FeatureVideoShare)
	}
	if c.IMSession {
		tags = append(tags, FeatureChat)
	}
	if c.FileTransfer {
		tags = append(tags, FeatureFileTransfer)
	}
	return tags
}

// Capabilities снимок возможностей контакта. Нулевое значение - контакт
// без RCS возможностей.
type Capabilities struct {
	ImageSharing bool
	VideoSharing bool
	IMSession    bool
	FileTransfer bool
	CSVideo      bool

	// Момент получения снимка
	Timestamp time.Time
}

// Supported сообщает, есть ли у контакта хотя бы одна RCS возможность.
func (c Capabilities) Supported() bool {
	return c.ImageSharing || c.VideoSharing || c.IMSession || c.FileTransfer || c.CSVideo
}

// Cache потокобезопасный кэш возможностей по контактам. Обновления
// выполняются целыми записями: при конкурентной записи одного контакта
// выигрывает последняя запись, частичных слияний нет.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Capabilities
	now     func() time.Time
}

// NewCache создает пустой кэш.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]Capabilities),
		now:     time.Now,
	}
}

// Get возвращает запись контакта. Отсутствие записи выражено вторым
// значением, а не нулевой структурой.
func (c *Cache) Get(contact string) (Capabilities, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	caps, ok := c.entries[contact]
	return caps, ok
}

// Put сохраняет запись контакта целиком, проставляя текущий момент.
func (c *Cache) Put(contact string, caps Capabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	caps.Timestamp = c.now()
	c.entries[contact] = caps
}

// Touch обновляет только отметку времени существующей записи, не трогая
// сами возможности. Используется при неудачном fetch'е: старые данные
// остаются, но повторный опрос откладывается.
func (c *Cache) Touch(contact string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	caps, ok := c.entries[contact]
	if !ok {
		caps = Capabilities{}
	}
	caps.Timestamp = c.now()
	c.entries[contact] = caps
}

// IsFresh сообщает, можно ли использовать кэшированную запись без
// повторного опроса. Запись устаревает когда прошло больше
// refreshTimeout, а также при отрицательной дельте - часы устройства
// перевели назад, и отметка времени из будущего не должна вечно
// блокировать обновление.
func (c *Cache) IsFresh(contact string, refreshTimeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	caps, ok := c.entries[contact]
	if !ok {
		return false
	}

	delta := c.now().Sub(caps.Timestamp)
	if delta > refreshTimeout || delta < 0 {
		return false
	}
	return true
}

// Contacts возвращает список контактов с записями в кэше.
func (c *Cache) Contacts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for contact := range c.entries {
		out = append(out, contact)
	}
	return out
}
