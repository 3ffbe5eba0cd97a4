package gpt

import (
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// systemPrompt opens every conversation. Keeping answers short matters on
// chat frontends where a reply is one message.
const systemPrompt = "You are a helpful assistant. Make your answers as brief as possible."

// conversationKey identifies one running conversation: the frontend address
// the request came from, the channel it happened in and the user talking.
type conversationKey struct {
	ReplyTo string
	Channel string
	User    string
}

// conversationCache holds per-conversation chat history with LRU eviction so
// users who wandered off do not pin turns in memory forever. A map for O(1)
// lookup plus a doubly linked list for O(1) recency updates, with sentinel
// head and tail nodes so insert and remove never touch nil pointers.
type conversationCache struct {
	mu       sync.Mutex
	capacity int
	items    map[conversationKey]*conversationNode
	head     *conversationNode // most recently used side
	tail     *conversationNode // least recently used side
}

type conversationNode struct {
	key   conversationKey
	turns []openai.ChatCompletionMessage
	prev  *conversationNode
	next  *conversationNode
}

func newConversationCache(capacity int) *conversationCache {
	if capacity < 1 {
		panic("gpt: conversation cache capacity must be at least 1")
	}
	head := &conversationNode{}
	tail := &conversationNode{}
	head.next = tail
	tail.prev = head
	return &conversationCache{
		capacity: capacity,
		items:    make(map[conversationKey]*conversationNode, capacity),
		head:     head,
		tail:     tail,
	}
}

func systemTurn() openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	}
}

// start resets the conversation for key to just the system turn.
func (c *conversationCache) start(key conversationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node := c.getOrCreate(key)
	node.turns = []openai.ChatCompletionMessage{systemTurn()}
}

// ensure makes sure a conversation exists for key, creating a fresh one with
// the system turn when it does not. An existing conversation is untouched.
func (c *conversationCache) ensure(key conversationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(key)
}

// append adds one turn to the conversation for key. A conversation that was
// evicted in the meantime is recreated from the system turn first.
func (c *conversationCache) append(key conversationKey, turn openai.ChatCompletionMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node := c.getOrCreate(key)
	node.turns = append(node.turns, turn)
}

// history returns a copy of the turns for key and marks the conversation
// recently used. Callers get a copy so the cached slice never escapes the
// lock.
func (c *conversationCache) history(key conversationKey) []openai.ChatCompletionMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	node := c.getOrCreate(key)
	return append([]openai.ChatCompletionMessage(nil), node.turns...)
}

// len reports how many conversations are currently cached.
func (c *conversationCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// getOrCreate returns the node for key, creating it (and evicting the least
// recently used conversation at capacity) when absent. Caller must hold the
// lock.
func (c *conversationCache) getOrCreate(key conversationKey) *conversationNode {
	if node, ok := c.items[key]; ok {
		c.moveToFront(node)
		return node
	}
	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.remove(victim)
		delete(c.items, victim.key)
	}
	node := &conversationNode{
		key:   key,
		turns: []openai.ChatCompletionMessage{systemTurn()},
	}
	c.items[key] = node
	c.pushFront(node)
	return node
}

// remove unlinks node from the list. Caller must hold the lock.
func (c *conversationCache) remove(node *conversationNode) {
	node.prev.next = node.next
	node.next.prev = node.prev
	node.prev = nil
	node.next = nil
}

// pushFront links node right after the head sentinel. Caller must hold the
// lock.
func (c *conversationCache) pushFront(node *conversationNode) {
	node.prev = c.head
	node.next = c.head.next
	c.head.next.prev = node
	c.head.next = node
}

// moveToFront marks node most recently used. Caller must hold the lock.
func (c *conversationCache) moveToFront(node *conversationNode) {
	if c.head.next == node {
		return
	}
	c.remove(node)
	c.pushFront(node)
}
