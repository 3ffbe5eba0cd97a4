package invokeai

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmsj/dreambot/internal/promptargs"
)

func TestParseRequest_Defaults(t *testing.T) {
	req, err := parseRequest("!dream", "a cat riding a bicycle")
	require.NoError(t, err)
	assert.Equal(t, "a cat riding a bicycle", req.Prompt)
	assert.Equal(t, defaultModel, req.Model)
	assert.Equal(t, defaultSampler, req.Sampler)
	assert.Equal(t, defaultSteps, req.Steps)
	assert.Equal(t, defaultSeed, req.Seed)
	assert.Empty(t, req.ImageURL)
}

func TestParseRequest_LongFlags(t *testing.T) {
	req, err := parseRequest("!dream",
		"--model other --sampler ddim --steps 25 --seed 7 --imgurl http://example.com/cat.png a cat")
	require.NoError(t, err)
	assert.Equal(t, "a cat", req.Prompt)
	assert.Equal(t, "other", req.Model)
	assert.Equal(t, "ddim", req.Sampler)
	assert.Equal(t, 25, req.Steps)
	assert.Equal(t, 7, req.Seed)
	assert.Equal(t, "http://example.com/cat.png", req.ImageURL)
}

func TestParseRequest_Help(t *testing.T) {
	_, err := parseRequest("!dream", "--help")
	var usage *promptargs.UsageError
	require.ErrorAs(t, err, &usage)
	assert.Contains(t, usage.Help, "usage: !dream")
	assert.Contains(t, usage.Help, "--sampler")
	assert.Contains(t, usage.Help, "--seed")
}

func TestParseRequest_BadValue(t *testing.T) {
	_, err := parseRequest("!dream", "--steps lots a cat")
	var argErr *promptargs.ArgError
	require.ErrorAs(t, err, &argErr)
}

func TestBuildGraph_Txt2Img(t *testing.T) {
	b, _, _ := newTestBackend(t)

	g, err := b.buildGraph(context.Background(), &request{
		Prompt: "a cat", Model: "m", Sampler: "s", Steps: 5, Seed: 3,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, g.ID)
	require.Len(t, g.Nodes, 2)
	gen := g.Nodes["0"]
	assert.Equal(t, "0", gen["id"])
	assert.Equal(t, "txt2img", gen["type"])
	assert.Equal(t, "a cat", gen["prompt"])
	assert.Equal(t, "m", gen["model"])
	assert.Equal(t, "s", gen["sampler"])
	assert.Equal(t, 5, gen["steps"])
	assert.Equal(t, 3, gen["seed"])
	assert.Equal(t, false, gen["progress_images"])
	assert.Equal(t, "upscale", g.Nodes["1"]["type"])

	require.Len(t, g.Edges, 1)
	assert.Equal(t, graphRef{NodeID: "0", Field: "image"}, g.Edges[0].Source)
	assert.Equal(t, graphRef{NodeID: "1", Field: "image"}, g.Edges[0].Destination)
}

func TestBuildGraph_DistinctIDs(t *testing.T) {
	b, _, _ := newTestBackend(t)

	first, err := b.buildGraph(context.Background(), &request{Prompt: "a cat"})
	require.NoError(t, err)
	second, err := b.buildGraph(context.Background(), &request{Prompt: "a cat"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSessionGraph_WireShape(t *testing.T) {
	g := &sessionGraph{
		ID:    "g-1",
		Nodes: map[string]graphNode{"0": {"id": "0", "type": "txt2img"}},
		Edges: []graphEdge{{
			Source:      graphRef{NodeID: "0", Field: "image"},
			Destination: graphRef{NodeID: "1", Field: "image"},
		}},
	}

	data, err := json.Marshal(g)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "g-1",
		"nodes": {"0": {"id": "0", "type": "txt2img"}},
		"edges": [{
			"source": {"node_id": "0", "field": "image"},
			"destination": {"node_id": "1", "field": "image"}
		}]
	}`, string(data))
}
