// Package sqlutil provides identifier quoting for generated MySQL.
package sqlutil

import "strings"

// QuoteIdentifier quotes a table or column name with backticks and escapes
// any backticks within the identifier.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, "`", "``")
	return "`" + escaped + "`"
}

// Qualify renders an alias-qualified column reference. With an empty alias
// the bare quoted column is returned.
func Qualify(alias, column string) string {
	if alias == "" {
		return QuoteIdentifier(column)
	}
	return QuoteIdentifier(alias) + "." + QuoteIdentifier(column)
}
