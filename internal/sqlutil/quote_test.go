package sqlutil

import "testing"

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"users", "`users`"},
		{"user_data", "`user_data`"},
		{"select", "`select`"},         // reserved word
		{"first name", "`first name`"}, // space in name
		{"user`data", "`user``data`"},  // backtick in name
		{"a`b`c", "`a``b``c`"},         // multiple backticks
		{"", "``"},                     // empty string
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := QuoteIdentifier(tt.input)
			if result != tt.expected {
				t.Errorf("QuoteIdentifier(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestQualify(t *testing.T) {
	tests := []struct {
		alias    string
		column   string
		expected string
	}{
		{"t1", "id", "`t1`.`id`"},
		{"orders", "user_id", "`orders`.`user_id`"},
		{"", "id", "`id`"},
		{"a`b", "c", "`a``b`.`c`"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := Qualify(tt.alias, tt.column)
			if result != tt.expected {
				t.Errorf("Qualify(%q, %q) = %q, want %q", tt.alias, tt.column, result, tt.expected)
			}
		})
	}
}
