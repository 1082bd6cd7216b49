package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slugs(adapters []FormAdapter) []string {
	out := make([]string, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, a.Slug())
	}
	return out
}

func TestSelectAdapters(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t,
		[]string{"wp_login", "wp_registration", "wp_comments", "cf7", "elementor_forms", "houzez_forms"},
		slugs(SelectAdapters(AllAdapters(), opts)))

	opts.Protect["contact_form_7"] = false
	opts.Protect["houzez_forms"] = false
	assert.NotContains(t, slugs(SelectAdapters(AllAdapters(), opts)), "cf7")
	assert.NotContains(t, slugs(SelectAdapters(AllAdapters(), opts)), "houzez_forms")

	opts.Enabled = false
	assert.Empty(t, SelectAdapters(AllAdapters(), opts))
}

func TestElementorExtractFlattens(t *testing.T) {
	a := newElementorAdapter().(*formAdapter)
	pf := a.extract(nil, map[string]string{
		"form_fields[email]":   "a@example.com",
		"form_fields[message]": "hi",
		"form_id":              "abc123",
		"email_ab12_hp":        "",
	})
	assert.Equal(t, "elementor_forms", pf.formID)
	assert.Equal(t, "abc123", pf.formRef)
	assert.Equal(t, "a@example.com", pf.data["email"])
	assert.Equal(t, "hi", pf.data["message"])
	assert.Contains(t, pf.data, "email_ab12_hp")
	assert.NotContains(t, pf.data, "form_fields[email]")
	assert.Len(t, pf.data, 4)
}

func TestHouzezFormID(t *testing.T) {
	assert.Equal(t, "houzez_agent_contact", houzezFormID("houzez_property_agent_contact"))
	assert.Equal(t, "houzez_schedule_tour", houzezFormID("houzez_schedule_send_message"))
	assert.Equal(t, "houzez_inquiry", houzezFormID("houzez_inquiry"))
	assert.Equal(t, "houzez_contact_form", houzezFormID(""))
	assert.Equal(t, "houzez_contact_form", houzezFormID("something_else"))
}

func postForm(t *testing.T, ts *testServer, path string, cookie *http.Cookie, data map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	for k, v := range data {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	return ts.do(t, req)
}

func TestAdapterSubmit(t *testing.T) {
	ts := newTestServer(t, newCF7Adapter())

	fs, cookie := ts.fetchFields(t, "/forms/cf7/fields")
	assert.Equal(t, "cf7", fs.FormID)

	data := hiddenData(fs)
	data["your-email"] = "a@example.com"
	data["_wpcf7"] = "42"
	ts.now = ts.now.Add(5 * time.Second)

	rec := postForm(t, ts, "/forms/cf7/submit", cookie, data)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]string{"your-email": "a@example.com", "_wpcf7": "42"}, resp.Data)
}

func TestAdapterSubmitRejectsAndLogsRef(t *testing.T) {
	ts := newTestServer(t, newCF7Adapter())

	fs, cookie := ts.fetchFields(t, "/forms/cf7/fields")
	data := hiddenData(fs)
	data[fs.Fields[0].Name] = "http://spam.example"
	data["_wpcf7"] = "42"
	ts.now = ts.now.Add(5 * time.Second)

	rec := postForm(t, ts, "/forms/cf7/submit", cookie, data)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	page, err := ts.attempts.Query(context.Background(), DefaultLogQuery())
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, ReasonHoneypotFilled, page.Entries[0].Reason)
	require.NotNil(t, page.Entries[0].FormID)
	assert.Equal(t, "42", *page.Entries[0].FormID)
}

func TestHouzezAdapterRoutes(t *testing.T) {
	ts := newTestServer(t, newHouzezAdapter())

	fs, cookie := ts.fetchFields(t, "/forms/houzez_forms/fields?form=houzez_property_agent_contact")
	assert.Equal(t, "houzez_agent_contact", fs.FormID)
	assert.Empty(t, fs.Nonce, "houzez forms carry their own CSRF token")

	data := hiddenData(fs)
	delete(data, NonceFieldName)
	data["action"] = "houzez_property_agent_contact"
	ts.now = ts.now.Add(5 * time.Second)

	rec := postForm(t, ts, "/forms/houzez_forms/submit", cookie, data)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdapterProtectToggleAtRuntime(t *testing.T) {
	ts := newTestServer(t, newCF7Adapter(), newHouzezAdapter())
	_, cookie := ts.fetchFields(t, "/forms/cf7/fields")

	spam := map[string]string{"email_ab12_hp": "x", "action": "houzez_ele_inquiry_form"}
	for _, path := range []string{"/forms/cf7/submit", "/forms/houzez_forms/submit"} {
		assert.Equal(t, http.StatusForbidden, postForm(t, ts, path, cookie, spam).Code, path)
	}

	require.NoError(t, ts.settings.Set("protect_contact_form_7", "0"))
	require.NoError(t, ts.settings.Set("protect_houzez_forms", "0"))
	for _, path := range []string{"/forms/cf7/submit", "/forms/houzez_forms/submit"} {
		assert.Equal(t, http.StatusOK, postForm(t, ts, path, cookie, spam).Code, path)
	}

	page, err := ts.attempts.Query(context.Background(), DefaultLogQuery())
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
}

func TestAdapterRejectsOversizedBody(t *testing.T) {
	ts := newTestServer(t, newCF7Adapter())
	_, cookie := ts.fetchFields(t, "/forms/cf7/fields")

	rec := postForm(t, ts, "/forms/cf7/submit", cookie, map[string]string{
		"your-message": strings.Repeat("a", maxBodyBytes+1),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	page, err := ts.attempts.Query(context.Background(), DefaultLogQuery())
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
}
