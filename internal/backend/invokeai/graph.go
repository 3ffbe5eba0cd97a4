package invokeai

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/cmsj/dreambot/internal/promptargs"
)

// Pipeline defaults, overridable per request with prompt flags.
const (
	defaultModel   = "stable-diffusion-1.5"
	defaultSampler = "keuler_a"
	defaultSteps   = 50
	defaultSeed    = -1
)

// request is one parsed image request.
type request struct {
	Prompt   string
	Model    string
	Sampler  string
	Steps    int
	Seed     int
	ImageURL string
}

func parseRequest(trigger, prompt string) (*request, error) {
	req := &request{}
	p := promptargs.New(trigger)
	p.StringVarP(&req.Model, "model", "m", defaultModel, "model to generate with")
	p.StringVarP(&req.Sampler, "sampler", "s", defaultSampler, "sampler to generate with")
	p.IntVarP(&req.Steps, "steps", "t", defaultSteps, "number of generation steps")
	p.StringVarP(&req.ImageURL, "imgurl", "i", "", "start generation from the image at this URL")
	p.IntVarP(&req.Seed, "seed", "e", defaultSeed, "generation seed, -1 for random")

	rest, err := p.Parse(prompt)
	if err != nil {
		return nil, err
	}
	req.Prompt = rest
	return req, nil
}

type graphRef struct {
	NodeID string `json:"node_id"`
	Field  string `json:"field"`
}

type graphEdge struct {
	Source      graphRef `json:"source"`
	Destination graphRef `json:"destination"`
}

type graphNode map[string]any

// sessionGraph is the execution graph POSTed to the sessions API. Node ids
// are stringified indexes; edges chain each node's image output into the
// next node's image input.
type sessionGraph struct {
	ID    string               `json:"id"`
	Nodes map[string]graphNode `json:"nodes"`
	Edges []graphEdge          `json:"edges"`
}

// buildGraph lays out the linear pipeline for one request: an optional
// load_image head when the request starts from an existing image, the
// generation node, then an upscale tail.
func (b *Backend) buildGraph(ctx context.Context, req *request) (*sessionGraph, error) {
	var nodes []graphNode
	add := func(node graphNode) {
		node["id"] = strconv.Itoa(len(nodes))
		nodes = append(nodes, node)
	}

	if req.ImageURL != "" {
		imageName, imageType, err := b.uploadInputImage(ctx, req.ImageURL)
		if err != nil {
			return nil, err
		}
		add(graphNode{
			"type":       "load_image",
			"image_name": imageName,
			"image_type": imageType,
		})
		add(generationNode("img2img", req))
	} else {
		add(generationNode("txt2img", req))
	}
	add(graphNode{"type": "upscale"})

	g := &sessionGraph{
		ID:    uuid.New().String(),
		Nodes: make(map[string]graphNode, len(nodes)),
	}
	for _, node := range nodes {
		g.Nodes[node["id"].(string)] = node
	}
	for i := 0; i < len(nodes)-1; i++ {
		g.Edges = append(g.Edges, graphEdge{
			Source:      graphRef{NodeID: strconv.Itoa(i), Field: "image"},
			Destination: graphRef{NodeID: strconv.Itoa(i + 1), Field: "image"},
		})
	}
	return g, nil
}

func generationNode(kind string, req *request) graphNode {
	return graphNode{
		"type":            kind,
		"prompt":          req.Prompt,
		"model":           req.Model,
		"sampler":         req.Sampler,
		"steps":           req.Steps,
		"seed":            req.Seed,
		"progress_images": false,
	}
}
