package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/config"
)

// ExecRequest is the code-execution payload accepted from the editor UI.
type ExecRequest struct {
	Script       string `json:"script"`
	Language     string `json:"language"`
	VersionIndex string `json:"versionIndex"`
	Stdin        string `json:"stdin"`
}

// ExecProxy forwards editor run requests to the hosted execution API,
// attaching the credentials that must never reach the browser.
type ExecProxy struct {
	url      string
	clientID string
	secret   string
	client   *http.Client
}

func NewExecProxy(cfg *config.Config) *ExecProxy {
	return &ExecProxy{
		url:      cfg.ExecAPIURL,
		clientID: cfg.ExecClientID,
		secret:   cfg.ExecSecret,
		client:   &http.Client{Timeout: 20 * time.Second},
	}
}

func (p *ExecProxy) Handle(c *gin.Context) {
	if p.clientID == "" || p.secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "code execution not configured"})
		return
	}
	var req ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	payload, err := json.Marshal(map[string]string{
		"clientId":     p.clientID,
		"clientSecret": p.secret,
		"script":       req.Script,
		"language":     req.Language,
		"versionIndex": req.VersionIndex,
		"stdin":        req.Stdin,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "marshal request"})
		return
	}

	upstream, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "build request"})
		return
	}
	upstream.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(upstream)
	if err != nil {
		log.Warn().Err(err).Str("module", "httpapi").Msg("exec upstream")
		c.JSON(http.StatusBadGateway, gin.H{"error": "execution service unreachable"})
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "execution service read"})
		return
	}
	c.Data(resp.StatusCode, "application/json", body)
}
