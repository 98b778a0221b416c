package internal

import "testing"

func TestAddThumbnailSuffix(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"photo.jpg", "photo_thumbnail.jpg"},
		{"a/b/photo.png", "a/b/photo_thumbnail.png"},
		{"archive.tar.gz", "archive.tar_thumbnail.gz"},
		{"noext", "noext_thumbnail"},
		{"v1.2/photo", "v1.2/photo_thumbnail"}, // dot in a directory, none in the name
		{"", "_thumbnail"},
	}
	for _, tc := range cases {
		if got := addThumbnailSuffix(tc.in); got != tc.want {
			t.Errorf("addThumbnailSuffix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveUploadURL(t *testing.T) {
	base := "http://api.test"
	cases := []struct {
		in, want string
	}{
		{"photo.jpg", "http://api.test/uploads/photo.jpg"},
		{"/uploads/room1/photo.jpg", "http://api.test/uploads/room1/photo.jpg"},
		{"https://cdn.test/full.jpg", "https://cdn.test/full.jpg"},
	}
	for _, tc := range cases {
		if got := OriginalImageURL(base, tc.in); got != tc.want {
			t.Errorf("OriginalImageURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestThumbnailImageURL(t *testing.T) {
	got := ThumbnailImageURL("http://api.test", "room1/photo.jpg")
	want := "http://api.test/uploads/room1/photo_thumbnail.jpg"
	if got != want {
		t.Errorf("ThumbnailImageURL = %q, want %q", got, want)
	}
}

func TestProfileImageURL(t *testing.T) {
	got := ProfileImageURL("http://api.test", "alice")
	want := "http://api.test/uploads/profile/alice.jpg"
	if got != want {
		t.Errorf("ProfileImageURL = %q, want %q", got, want)
	}
}
