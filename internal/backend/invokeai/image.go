package invokeai

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/cmsj/dreambot/internal/imaging"
)

// uploadInputImage fetches the image behind url, shrinks it and pushes it
// into InvokeAI's upload store, returning the server-side name and type for
// a load_image node.
func (b *Backend) uploadInputImage(ctx context.Context, url string) (string, string, error) {
	b.logger.Info().Str("url", url).Msg("fetching input image")
	data, err := imaging.Fetch(ctx, b.httpc, url)
	if err != nil {
		return "", "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="input.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", "", imaging.Errorf("Error uploading image to InvokeAI: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", "", imaging.Errorf("Error uploading image to InvokeAI: %v", err)
	}
	if err := mw.Close(); err != nil {
		return "", "", imaging.Errorf("Error uploading image to InvokeAI: %v", err)
	}

	uploadURL := b.apiURL + "images/uploads/"
	b.logger.Info().Str("from", url).Str("to", uploadURL).Msg("uploading input image")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &body)
	if err != nil {
		return "", "", imaging.Errorf("Error uploading image to InvokeAI: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.httpc.Do(req)
	if err != nil {
		return "", "", imaging.Errorf("Error uploading image to InvokeAI: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", imaging.Errorf("Error uploading image to InvokeAI: %s", resp.Status)
	}

	var out struct {
		ImageName string `json:"image_name"`
		ImageType string `json:"image_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", imaging.Errorf("Error uploading image to InvokeAI: %v", err)
	}
	b.logger.Info().Str("image_name", out.ImageName).Str("image_type", out.ImageType).Msg("input image uploaded")
	return out.ImageName, out.ImageType, nil
}
