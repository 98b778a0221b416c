package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var httpTimeout = 60 * time.Second

var errUnauthorized = errors.New("unauthorized")

// searchMessagesRequest is the paginated history query: id is the floor
// below which messages are wanted, 0 for the newest page.
type searchMessagesRequest struct {
	RoomID string `json:"roomId"`
	ID     int64  `json:"id"`
	Sender string `json:"sender"`
}

type searchMessagesResponse struct {
	Success         bool      `json:"success"`
	MessageInfoList []Message `json:"messageInfoList"`
}

// UploadedFileInfo is the server's record of one stored image.
type UploadedFileInfo struct {
	SavedName string `json:"savedName"`
}

type uploadResponse struct {
	Success bool               `json:"success"`
	Files   []UploadedFileInfo `json:"files"`
}

// APIClient talks to the chat backend's REST surface: paginated history
// fetches and multipart image uploads. It implements MessagePager and
// ImageUploader.
type APIClient struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

// NewAPIClient builds a client against the given http(s) base URL.
func NewAPIClient(baseURL string, tokens TokenSource) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

// FetchMessages loads one history page for a room, newest first as the
// server returns it. Implements MessagePager.
func (a *APIClient) FetchMessages(ctx context.Context, roomID string, floorID int64) ([]Message, error) {
	payload := searchMessagesRequest{RoomID: roomID, ID: floorID}
	var resp searchMessagesResponse
	if err := a.doJSONRequest(ctx, http.MethodPost, "/chat/chatMessgeLoadList", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New("message load rejected by server")
	}
	return resp.MessageInfoList, nil
}

// UploadImage pushes one staged image as multipart form data and returns
// the server's saved name for it. Implements ImageUploader.
func (a *APIClient) UploadImage(ctx context.Context, roomID, userID string, img StagedImage) (string, error) {
	file, err := os.Open(img.Path)
	if err != nil {
		return "", fmt.Errorf("open staged image: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("roomId", roomID); err != nil {
		return "", err
	}
	if err := writer.WriteField("userId", userID); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("files", filepath.Base(img.Name))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/fileUpload", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	a.setAuth(ctx, req)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}

	var parsed uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if !parsed.Success || len(parsed.Files) == 0 {
		return "", errors.New("upload rejected by server")
	}
	return parsed.Files[0].SavedName, nil
}

func (a *APIClient) setAuth(ctx context.Context, req *http.Request) {
	if a.tokens == nil {
		return
	}
	if token, err := a.tokens.Token(ctx); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (a *APIClient) doJSONRequest(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	a.setAuth(ctx, req)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}
