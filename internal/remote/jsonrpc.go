package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Server-side JSON-RPC error codes.
const (
	rpcCodeAuthRequired = 4001
	rpcCodeAuthFailed   = 4003
	rpcCodeNotFound     = 4040
)

// Credentials identify one account on a mail server.
type Credentials struct {
	// Server is the mail server host. A value with an explicit scheme is
	// used as the base URL verbatim.
	Server   string
	Username string
	Password string
}

// Client is a JSON-RPC Gateway implementation. It keeps one
// authenticated session per account and logs in lazily on first use.
type Client struct {
	timeout time.Duration
	httpc   *http.Client
	logger  *logrus.Logger

	mu       sync.Mutex
	creds    map[int64]Credentials
	sessions map[int64]*session
}

var _ Gateway = (*Client)(nil)

// NewClient creates a gateway client. timeout bounds every RPC call.
func NewClient(timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		timeout:  timeout,
		httpc:    &http.Client{},
		logger:   logger,
		creds:    make(map[int64]Credentials),
		sessions: make(map[int64]*session),
	}
}

// AddAccount registers credentials for an account.
func (c *Client) AddAccount(accountID int64, creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds[accountID] = creds
}

// Logout ends every open session. Errors are ignored; this is best
// effort at shutdown.
func (c *Client) Logout(ctx context.Context) {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[int64]*session)
	c.mu.Unlock()

	for _, s := range sessions {
		_ = s.call(ctx, "Session.logout", nil, nil)
	}
}

func (c *Client) session(ctx context.Context, accountID int64) (*session, error) {
	c.mu.Lock()
	if s, ok := c.sessions[accountID]; ok {
		c.mu.Unlock()
		return s, nil
	}
	creds, ok := c.creds[accountID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no credentials for account %d", accountID)
	}

	base := creds.Server
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	s := &session{
		baseURL: strings.TrimSuffix(base, "/") + "/api/jsonrpc/",
		httpc:   c.httpc,
	}
	if err := s.login(ctx, creds); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[accountID] = s
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"account": accountID,
		"server":  creds.Server,
	}).Debug("Gateway session established")
	return s, nil
}

func (c *Client) call(ctx context.Context, accountID int64, method string, params, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	s, err := c.session(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.call(ctx, method, params, result); err != nil {
		if IsAuth(err) {
			// Token expired or revoked; drop the session so the next
			// call logs in again.
			c.mu.Lock()
			delete(c.sessions, accountID)
			c.mu.Unlock()
		}
		return err
	}
	return nil
}

type wireFolder struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ParentID     string `json:"parentId"`
	Type         string `json:"type"`
	UnreadCount  int    `json:"unreadCount"`
	MessageCount int    `json:"messageCount"`
}

// ListFolders implements Gateway.
func (c *Client) ListFolders(ctx context.Context, accountID int64) ([]FolderSummary, error) {
	var result struct {
		List []wireFolder `json:"list"`
	}
	if err := c.call(ctx, accountID, "Folders.get", nil, &result); err != nil {
		return nil, err
	}

	byID := make(map[string]wireFolder, len(result.List))
	for _, f := range result.List {
		byID[f.ID] = f
	}

	folders := make([]FolderSummary, 0, len(result.List))
	for _, f := range result.List {
		folders = append(folders, FolderSummary{
			FolderID:    f.ID,
			Name:        f.Name,
			Path:        folderPath(f, byID),
			ParentID:    f.ParentID,
			Type:        f.Type,
			UnreadCount: f.UnreadCount,
			TotalCount:  f.MessageCount,
		})
	}
	return folders, nil
}

// folderPath composes the display path by walking parent links.
func folderPath(f wireFolder, byID map[string]wireFolder) string {
	path := f.Name
	seen := map[string]bool{f.ID: true}
	for f.ParentID != "" && !seen[f.ParentID] {
		parent, ok := byID[f.ParentID]
		if !ok {
			break
		}
		seen[parent.ID] = true
		path = parent.Name + "/" + path
		f = parent
	}
	return path
}

type wireAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type wireAttachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type wireMessage struct {
	ID             string           `json:"id"`
	Subject        string           `json:"subject"`
	From           wireAddress      `json:"from"`
	To             []wireAddress    `json:"to"`
	CC             []wireAddress    `json:"cc"`
	ReceiveDate    time.Time        `json:"receiveDate"`
	Size           int64            `json:"size"`
	IsSeen         bool             `json:"isSeen"`
	IsFlagged      bool             `json:"isFlagged"`
	HasAttachments bool             `json:"hasAttachments"`
	Attachments    []wireAttachment `json:"attachments"`
}

// ListMessages implements Gateway.
func (c *Client) ListMessages(ctx context.Context, accountID int64, folderID, sinceWatermark string) (Listing, error) {
	params := map[string]interface{}{
		"folderId": folderID,
	}
	if sinceWatermark != "" {
		params["since"] = sinceWatermark
	}

	var result struct {
		Watermark string        `json:"watermark"`
		Full      bool          `json:"full"`
		List      []wireMessage `json:"list"`
	}
	if err := c.call(ctx, accountID, "Mails.list", params, &result); err != nil {
		return Listing{}, err
	}

	listing := Listing{
		Watermark: result.Watermark,
		Full:      result.Full,
		Messages:  make([]MessageSummary, 0, len(result.List)),
	}
	for _, m := range result.List {
		listing.Messages = append(listing.Messages, summaryFromWire(m))
	}
	return listing, nil
}

func summaryFromWire(m wireMessage) MessageSummary {
	s := MessageSummary{
		ItemID:         m.ID,
		Subject:        m.Subject,
		SenderName:     m.From.Name,
		SenderEmail:    m.From.Address,
		Date:           m.ReceiveDate,
		Size:           m.Size,
		IsRead:         m.IsSeen,
		IsFlagged:      m.IsFlagged,
		HasAttachments: m.HasAttachments || len(m.Attachments) > 0,
	}
	for _, a := range m.To {
		s.Recipients = append(s.Recipients, a.Address)
	}
	for _, a := range m.CC {
		s.CC = append(s.CC, a.Address)
	}
	for _, a := range m.Attachments {
		s.Attachments = append(s.Attachments, AttachmentSummary{
			AttachmentID: a.ID,
			Name:         a.Name,
			ContentType:  a.ContentType,
			Size:         a.Size,
		})
	}
	return s
}

// FetchMessageBody implements Gateway.
func (c *Client) FetchMessageBody(ctx context.Context, accountID int64, itemID string) (Body, error) {
	var result struct {
		Text        string           `json:"text"`
		HTML        string           `json:"html"`
		Attachments []wireAttachment `json:"attachments"`
	}
	params := map[string]interface{}{"id": itemID}
	if err := c.call(ctx, accountID, "Mails.getBody", params, &result); err != nil {
		return Body{}, err
	}

	body := Body{Text: result.Text, HTML: result.HTML}
	for _, a := range result.Attachments {
		body.Attachments = append(body.Attachments, AttachmentSummary{
			AttachmentID: a.ID,
			Name:         a.Name,
			ContentType:  a.ContentType,
			Size:         a.Size,
		})
	}
	return body, nil
}

// FetchAttachment implements Gateway.
func (c *Client) FetchAttachment(ctx context.Context, accountID int64, itemID, attachmentID string) ([]byte, error) {
	var result struct {
		Content string `json:"content"`
	}
	params := map[string]interface{}{"id": itemID, "attachmentId": attachmentID}
	if err := c.call(ctx, accountID, "Mails.getAttachment", params, &result); err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(result.Content)
	if err != nil {
		return nil, fmt.Errorf("decoding attachment content: %w", err)
	}
	return data, nil
}

// ListContacts implements Gateway.
func (c *Client) ListContacts(ctx context.Context, accountID int64) ([]ContactSummary, error) {
	var result struct {
		List []struct {
			ID    string `json:"id"`
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"list"`
	}
	if err := c.call(ctx, accountID, "Contacts.get", nil, &result); err != nil {
		return nil, err
	}

	contacts := make([]ContactSummary, 0, len(result.List))
	for _, ct := range result.List {
		contacts = append(contacts, ContactSummary{
			ItemID:      ct.ID,
			Email:       ct.Email,
			DisplayName: ct.Name,
		})
	}
	return contacts, nil
}

// ApplyMessageState implements Gateway.
func (c *Client) ApplyMessageState(ctx context.Context, accountID int64, itemID string, change StateChange) error {
	params := map[string]interface{}{
		"id":     itemID,
		"change": string(change.Kind),
		"value":  change.Value,
	}
	return c.call(ctx, accountID, "Mails.setState", params, nil)
}

// session is one authenticated JSON-RPC connection.
type session struct {
	baseURL string
	httpc   *http.Client

	mu        sync.Mutex
	token     string
	requestID int
}

func (s *session) login(ctx context.Context, creds Credentials) error {
	var result struct {
		Token string `json:"token"`
	}
	params := map[string]interface{}{
		"userName": creds.Username,
		"password": creds.Password,
		"application": map[string]string{
			"name":    "mailbench",
			"version": "1.0",
		},
	}
	if err := s.call(ctx, "Session.login", params, &result); err != nil {
		return err
	}
	if result.Token == "" {
		return NewError(KindAuth, "Session.login", errors.New("no token in login response"))
	}

	s.mu.Lock()
	s.token = result.Token
	s.mu.Unlock()
	return nil
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *session) call(ctx context.Context, method string, params, result interface{}) error {
	s.mu.Lock()
	s.requestID++
	id := s.requestID
	token := s.token
	s.mu.Unlock()

	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
	}
	if params != nil {
		payload["params"] = params
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Token", token)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return classifyTransport(method, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewError(KindAuth, method, fmt.Errorf("http status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return NewError(KindNetwork, method, fmt.Errorf("http status %d", resp.StatusCode))
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decoding rpc response: %w", method, err)
	}
	if envelope.Error != nil {
		return classifyRPC(method, envelope.Error)
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("%s: decoding rpc result: %w", method, err)
		}
	}
	return nil
}

func classifyTransport(method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, method, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return NewError(KindTimeout, method, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewError(KindNetwork, method, err)
	}
	return NewError(KindNetwork, method, err)
}

func classifyRPC(method string, rpcErr *rpcError) error {
	err := fmt.Errorf("rpc error %d: %s", rpcErr.Code, rpcErr.Message)
	switch rpcErr.Code {
	case rpcCodeAuthRequired, rpcCodeAuthFailed:
		return NewError(KindAuth, method, err)
	case rpcCodeNotFound:
		return NewError(KindNotFound, method, err)
	}
	return fmt.Errorf("%s: %w", method, err)
}
