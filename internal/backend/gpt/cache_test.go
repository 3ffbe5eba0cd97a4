package gpt

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheKey(user string) conversationKey {
	return conversationKey{ReplyTo: "frontend.irc.libera_chat", Channel: "#dreams", User: user}
}

func userTurn(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: content}
}

func hasConversation(c *conversationCache, k conversationKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[k]
	return ok
}

func TestCacheStartsWithSystemTurn(t *testing.T) {
	c := newConversationCache(4)

	turns := c.history(cacheKey("alice"))
	require.Len(t, turns, 1)
	assert.Equal(t, openai.ChatMessageRoleSystem, turns[0].Role)
	assert.Equal(t, systemPrompt, turns[0].Content)
}

func TestCacheAppendAndHistory(t *testing.T) {
	c := newConversationCache(4)
	k := cacheKey("alice")

	c.append(k, userTurn("hello"))

	turns := c.history(k)
	require.Len(t, turns, 2)
	assert.Equal(t, "hello", turns[1].Content)
}

func TestCacheHistoryIsACopy(t *testing.T) {
	c := newConversationCache(4)
	k := cacheKey("alice")
	c.append(k, userTurn("hello"))

	turns := c.history(k)
	turns[1].Content = "mutated"

	assert.Equal(t, "hello", c.history(k)[1].Content)
}

func TestCacheStartResets(t *testing.T) {
	c := newConversationCache(4)
	k := cacheKey("alice")
	c.append(k, userTurn("hello"))

	c.start(k)

	require.Len(t, c.history(k), 1)
}

func TestCacheEnsureKeepsHistory(t *testing.T) {
	c := newConversationCache(4)
	k := cacheKey("alice")
	c.append(k, userTurn("hello"))

	c.ensure(k)

	require.Len(t, c.history(k), 2)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newConversationCache(2)
	alice, bob, carol := cacheKey("alice"), cacheKey("bob"), cacheKey("carol")

	c.append(alice, userTurn("from alice"))
	c.append(bob, userTurn("from bob"))

	// Touch alice so bob is the eviction candidate.
	c.history(alice)
	c.append(carol, userTurn("from carol"))

	assert.Equal(t, 2, c.len())
	assert.True(t, hasConversation(c, alice))
	assert.True(t, hasConversation(c, carol))
	assert.False(t, hasConversation(c, bob))
	require.Len(t, c.history(alice), 2)
}

func TestCacheEvictedConversationRestartsFresh(t *testing.T) {
	c := newConversationCache(1)
	alice, bob := cacheKey("alice"), cacheKey("bob")

	c.append(alice, userTurn("from alice"))
	c.append(bob, userTurn("from bob"))

	require.False(t, hasConversation(c, alice))
	require.Len(t, c.history(alice), 1)
}

func TestCachePanicsOnBadCapacity(t *testing.T) {
	assert.Panics(t, func() { newConversationCache(0) })
}
