package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type record struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

type purgeResponse struct {
	Success bool `json:"success"`
	Deleted int  `json:"deleted"`
}

func main() {
	baseURL := getenvDefault("BURNBOX_URL", "http://localhost:3025")
	smtpAddr := getenvDefault("BURNBOX_SMTP", "localhost:2025")
	domain := getenvDefault("MAIL_DOMAIN", "burnbox.local")
	token := os.Getenv("API_AUTH_TOKEN")
	smtpUser := os.Getenv("SMTP_USERNAME")
	smtpPass := os.Getenv("SMTP_PASSWORD")

	client := &http.Client{Timeout: 10 * time.Second}

	userA := "test1@" + domain
	userB := "test2@" + domain

	fmt.Println("Sending test emails...")
	sendSMTP(smtpAddr, smtpUser, smtpPass, "sender@example.com", []string{userA},
		buildTestMessage("Test 1 - HTML + Text", userA))
	sendSMTP(smtpAddr, smtpUser, smtpPass, "sender@example.com", []string{userB},
		buildTestMessage("Test 2 - HTML + Text", userB))
	sendSMTP(smtpAddr, smtpUser, smtpPass, "sender@example.com", []string{userA, userB},
		buildTestMessage("Test 3 - Multi-recipient", userA+", "+userB))

	time.Sleep(500 * time.Millisecond)

	fmt.Println("Listing messages per inbox:")
	for _, email := range []string{userA, userB} {
		records := listMessages(client, baseURL, token, email)
		fmt.Printf("- %s total=%d\n", email, len(records))
		for _, r := range records {
			fmt.Printf("  %s  %s  %q\n", r.CreatedAt, r.From, r.Subject)
		}
	}

	purged := purgeInbox(client, baseURL, token, userA)
	fmt.Printf("Purged %s: deleted=%d\n", userA, purged.Deleted)
	fmt.Printf("- %s total=%d\n", userA, len(listMessages(client, baseURL, token, userA)))
}

func listMessages(client *http.Client, baseURL, token, email string) []record {
	resp := mustDo(client, http.MethodGet, inboxURL(baseURL, email), token)
	defer resp.Body.Close()
	var out []record
	mustDecode(resp.Body, &out)
	return out
}

func purgeInbox(client *http.Client, baseURL, token, email string) purgeResponse {
	resp := mustDo(client, http.MethodDelete, inboxURL(baseURL, email), token)
	defer resp.Body.Close()
	var out purgeResponse
	mustDecode(resp.Body, &out)
	return out
}

func inboxURL(baseURL, email string) string {
	return baseURL + "/messages?email=" + url.QueryEscape(email)
}

func sendSMTP(addr, username, password, from string, to []string, msg []byte) {
	var auth sasl.Client
	if username != "" || password != "" {
		auth = sasl.NewPlainClient("", username, password)
	}
	if err := smtp.SendMail(addr, auth, from, to, bytes.NewReader(msg)); err != nil {
		fmt.Fprintln(os.Stderr, "smtp error:", err)
	}
}

func buildTestMessage(subject, recipients string) []byte {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: "Burnbox Example", Address: "sender@example.com"}})
	h.Set("To", recipients)
	h.SetSubject(subject)

	var buf bytes.Buffer
	w, err := mail.CreateWriter(&buf, h)
	if err != nil {
		panic(err)
	}
	alt, err := w.CreateInline()
	if err != nil {
		panic(err)
	}
	writePart(alt, "text/plain", "Hello!\n\nThis is a burnbox multi-inbox test email.\n\nRecipients: "+recipients+"\n")
	writePart(alt, "text/html", "<html><body><h2>burnbox multi-inbox test</h2><p><strong>Recipients:</strong> "+recipients+"</p></body></html>")
	if err := alt.Close(); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func writePart(alt *mail.InlineWriter, contentType, body string) {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	part, err := alt.CreatePart(h)
	if err != nil {
		panic(err)
	}
	if _, err := io.WriteString(part, body); err != nil {
		panic(err)
	}
	if err := part.Close(); err != nil {
		panic(err)
	}
}

func mustDo(client *http.Client, method, target, token string) *http.Response {
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		panic(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Device-ID", "multi-inbox-example")
	resp, err := client.Do(req)
	if err != nil {
		panic(err)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		panic(fmt.Sprintf("request failed: %s %s: %s", method, target, strings.TrimSpace(string(b))))
	}
	return resp
}

func mustDecode(r io.Reader, v any) {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		panic(err)
	}
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
