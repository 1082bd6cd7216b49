package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// FormAdapter is the glue between one form system and the pipeline.
type FormAdapter interface {
	// Slug names the adapter in routes (/forms/<slug>/...).
	Slug() string
	// Available reports whether the adapter should be registered.
	Available(opts Options) bool
	// Attach mounts the adapter's routes.
	Attach(r chi.Router, p *Pipeline)
}

// postedForm is a submission translated into pipeline terms.
type postedForm struct {
	formID  string
	formRef string
	data    map[string]string
}

// formAdapter is the shared implementation; variants differ in how they map
// a request onto a form id and a flat field map.
type formAdapter struct {
	slug   string
	toggle string
	// renderID picks the form id a field set is rendered for.
	renderID func(r *http.Request) string
	// extract translates a parsed request.
	extract func(r *http.Request, data map[string]string) postedForm
}

func (a *formAdapter) Slug() string { return a.slug }

func (a *formAdapter) Available(opts Options) bool {
	return opts.Enabled && opts.IsProtected(a.toggle)
}

func (a *formAdapter) Attach(r chi.Router, p *Pipeline) {
	r.Get("/forms/"+a.slug+"/fields", func(w http.ResponseWriter, r *http.Request) {
		renderFieldSet(w, r, p, a.renderID(r))
	})
	r.Post("/forms/"+a.slug+"/submit", func(w http.ResponseWriter, r *http.Request) {
		data, err := parsePostedForm(w, r)
		if err != nil {
			http.Error(w, "Invalid form body", http.StatusBadRequest)
			return
		}
		pf := a.extract(r, data)
		v := p.Validate(r.Context(), Submission{
			FormID:     pf.formID,
			SessionID:  sessionID(r.Context()),
			Data:       pf.data,
			FormRef:    pf.formRef,
			ProtectKey: a.toggle,
			IP:         clientIP(r),
			UserAgent:  r.UserAgent(),
			Headers:    r.Header,
		})
		if !v.Passed {
			writeVerdict(w, v)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    CleanFormData(pf.data),
		})
	})
}

// parsePostedForm flattens urlencoded or multipart bodies to their first
// value per key.
func parsePostedForm(w http.ResponseWriter, r *http.Request) (map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, err
	}
	data := make(map[string]string, len(r.PostForm))
	for k, vs := range r.PostForm {
		if len(vs) > 0 {
			data[k] = vs[0]
		}
	}
	return data, nil
}

func fixedForm(formID string) func(*http.Request) string {
	return func(*http.Request) string { return formID }
}

func plainExtract(formID, refField string) func(*http.Request, map[string]string) postedForm {
	return func(_ *http.Request, data map[string]string) postedForm {
		return postedForm{formID: formID, formRef: data[refField], data: data}
	}
}

func newLoginAdapter() FormAdapter {
	return &formAdapter{
		slug:     "wp_login",
		toggle:   "wp_login",
		renderID: fixedForm("wp_login"),
		extract:  plainExtract("wp_login", ""),
	}
}

func newRegistrationAdapter() FormAdapter {
	return &formAdapter{
		slug:     "wp_registration",
		toggle:   "wp_registration",
		renderID: fixedForm("wp_registration"),
		extract:  plainExtract("wp_registration", ""),
	}
}

func newCommentsAdapter() FormAdapter {
	return &formAdapter{
		slug:     "wp_comments",
		toggle:   "wp_comments",
		renderID: fixedForm("wp_comments"),
		extract:  plainExtract("wp_comments", "comment_post_ID"),
	}
}

func newCF7Adapter() FormAdapter {
	return &formAdapter{
		slug:     "cf7",
		toggle:   "contact_form_7",
		renderID: fixedForm("cf7"),
		extract:  plainExtract("cf7", "_wpcf7"),
	}
}

// Elementor posts its own fields as form_fields[<id>] next to our flat ones.
func newElementorAdapter() FormAdapter {
	return &formAdapter{
		slug:     "elementor_forms",
		toggle:   "elementor_forms",
		renderID: fixedForm("elementor_forms"),
		extract: func(_ *http.Request, data map[string]string) postedForm {
			flat := make(map[string]string, len(data))
			for k, v := range data {
				if inner, ok := strings.CutPrefix(k, "form_fields["); ok && strings.HasSuffix(inner, "]") {
					flat[strings.TrimSuffix(inner, "]")] = v
				}
			}
			for k, v := range data {
				if strings.HasPrefix(k, "form_fields[") {
					continue
				}
				if _, ok := flat[k]; !ok {
					flat[k] = v
				}
			}
			return postedForm{formID: "elementor_forms", formRef: data["form_id"], data: flat}
		},
	}
}

// houzezForms maps the theme's AJAX actions onto form ids.
var houzezForms = map[string]string{
	"houzez_property_agent_contact": "houzez_agent_contact",
	"houzez_schedule_send_message":  "houzez_schedule_tour",
	"houzez_ele_inquiry_form":       "houzez_inquiry",
	"houzez_contact_form":           "houzez_contact_form",
}

func houzezFormID(name string) string {
	if id, ok := houzezForms[name]; ok {
		return id
	}
	for _, id := range houzezForms {
		if id == name {
			return id
		}
	}
	return "houzez_contact_form"
}

func newHouzezAdapter() FormAdapter {
	return &formAdapter{
		slug:   "houzez_forms",
		toggle: "houzez_forms",
		renderID: func(r *http.Request) string {
			return houzezFormID(r.URL.Query().Get("form"))
		},
		extract: func(_ *http.Request, data map[string]string) postedForm {
			return postedForm{formID: houzezFormID(data["action"]), formRef: data["listing_id"], data: data}
		},
	}
}

// AllAdapters lists every supported form system.
func AllAdapters() []FormAdapter {
	return []FormAdapter{
		newLoginAdapter(),
		newRegistrationAdapter(),
		newCommentsAdapter(),
		newCF7Adapter(),
		newElementorAdapter(),
		newHouzezAdapter(),
	}
}

// SelectAdapters keeps the adapters available under opts.
func SelectAdapters(all []FormAdapter, opts Options) []FormAdapter {
	var out []FormAdapter
	for _, a := range all {
		if a.Available(opts) {
			out = append(out, a)
		}
	}
	return out
}
