package memes

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestImgflip_Templates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/get_memes" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		io.WriteString(w, `{"success":true,"data":{"memes":[
			{"id":"181913649","name":"Drake Hotline Bling","box_count":2},
			{"id":"87743020","name":"Two Buttons","box_count":3},
			{"id":"","name":"broken","box_count":2}
		]}}`)
	}))
	defer srv.Close()

	got, err := NewImgflip(srv.URL, "u", "p", srv.Client()).Templates(context.Background())
	if err != nil {
		t.Fatalf("Templates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d templates, want 2 (entries without id skipped)", len(got))
	}
	if got[1] != (Template{ID: "87743020", Name: "Two Buttons", BoxCount: 3}) {
		t.Errorf("template = %+v", got[1])
	}
}

func TestImgflip_TemplatesErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "status", handler: func(w http.ResponseWriter, r *http.Request) { http.Error(w, "down", http.StatusBadGateway) }},
		{name: "malformed", handler: func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, `{"data":`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			if _, err := NewImgflip(srv.URL, "u", "p", srv.Client()).Templates(context.Background()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestImgflip_Caption(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/caption_image" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.PostForm.Get("template_id") != "42" || r.PostForm.Get("username") != "imguser" || r.PostForm.Get("password") != "imgpass" {
			t.Errorf("form = %v", r.PostForm)
		}
		if r.PostForm.Get("boxes[0][text]") != "me at 9am" || r.PostForm.Get("boxes[1][text]") != "me at 9:01" {
			t.Errorf("boxes = %v", r.PostForm)
		}
		io.WriteString(w, `{"success":true,"data":{"url":"https://i.imgflip.com/abc.jpg","page_url":"https://imgflip.com/i/abc"}}`)
	}))
	defer srv.Close()

	c := NewImgflip(srv.URL+"/", "imguser", "imgpass", srv.Client())
	url, err := c.Caption(context.Background(), Template{ID: "42", Name: "x", BoxCount: 2}, []string{"me at 9am", "me at 9:01"})
	if err != nil {
		t.Fatalf("Caption: %v", err)
	}
	if url != "https://i.imgflip.com/abc.jpg" {
		t.Errorf("url = %q", url)
	}
}

func TestImgflip_CaptionRefused(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{body: `{"success":false,"error_message":"Invalid username/password"}`, want: "Invalid username/password"},
		{body: `{"success":false}`, want: "Unknown error"},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, tt.body)
		}))
		_, err := NewImgflip(srv.URL, "u", "p", srv.Client()).Caption(context.Background(), Template{ID: "1"}, nil)
		srv.Close()

		var pe *ProviderError
		if !errors.As(err, &pe) || pe.Message != tt.want {
			t.Errorf("Caption(%s) err = %v, want ProviderError %q", tt.body, err, tt.want)
		}
	}
}
