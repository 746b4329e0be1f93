package storage

import "testing"

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		target string
		bucket string
		prefix string
		ok     bool
	}{
		{"s3://artifacts/inventag", "artifacts", "inventag", true},
		{"s3://artifacts", "artifacts", "", true},
		{"s3://artifacts/", "artifacts", "", true},
		{"s3://artifacts/team/prod/", "artifacts", "team/prod", true},
		{"s3://", "", "", false},
		{"/var/lib/inventag", "", "", false},
		{"inventag-out", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		bucket, prefix, ok := ParseS3URL(tt.target)
		if ok != tt.ok || bucket != tt.bucket || prefix != tt.prefix {
			t.Errorf("ParseS3URL(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.target, bucket, prefix, ok, tt.bucket, tt.prefix, tt.ok)
		}
	}
}
