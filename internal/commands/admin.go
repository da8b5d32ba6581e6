package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"chatline/internal/api"
	"chatline/internal/config"
)

// AddUser creates a user through the admin API and prints its first token.
func AddUser(username string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.AddUserRequest{Username: username})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	result, err := callAdmin(fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr), reqBody)
	if err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	printToken(result)
	return nil
}

// IssueToken issues an additional token for an existing user.
func IssueToken(userID string, cfg *config.Config) error {
	result, err := callAdmin(fmt.Sprintf("http://%s/admin/users/%s/tokens", cfg.AdminAddr, url.PathEscape(userID)), nil)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Printf("\nToken Issued Successfully!\n")
	printToken(result)
	return nil
}

func callAdmin(url string, body []byte) (api.TokenResponse, error) {
	var result api.TokenResponse
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return result, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}

func printToken(result api.TokenResponse) {
	fmt.Printf("User ID:    %s\n", result.UserID)
	if result.Username != "" {
		fmt.Printf("Username:   %s\n", result.Username)
	}
	fmt.Printf("Token:      %s\n", result.Token)
	fmt.Printf("Expires at: %s\n\n", time.Unix(result.ExpiresAt, 0).Format(time.RFC3339))
	fmt.Println("Pass the token as 'Authorization: Bearer <token>' or the 'token' cookie.")
}
