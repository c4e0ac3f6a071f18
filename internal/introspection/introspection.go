// Package introspection discovers relational schema metadata from MySQL/TiDB's
// information_schema. It extracts entities, fields, primary keys, foreign keys
// and relation descriptors for the CRUD engine.
package introspection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Field represents a scalar column on an entity.
type Field struct {
	Name          string
	DataType      string
	Nullable      bool
	Unique        bool
	PrimaryKey    bool
	AutoIncrement bool
	HasDefault    bool
	EnumValues    []string
	Comment       string
}

// Relation represents one direction of a foreign-key relationship.
// List is true for the one-to-many side. LocalFields and TargetFields are
// positional: LocalFields[i] joins to TargetFields[i].
type Relation struct {
	Name         string
	Target       string
	List         bool
	LocalFields  []string
	TargetFields []string
}

// ForeignKey represents a foreign key constraint, possibly composite.
type ForeignKey struct {
	ConstraintName string
	Fields         []string
	TargetEntity   string
	TargetFields   []string
}

// Entity represents a table exposed through the engine.
type Entity struct {
	Name        string
	Comment     string
	Fields      []Field
	PrimaryKey  []string
	ForeignKeys []ForeignKey
	Relations   []Relation
}

// Schema is the introspected database schema. It is loaded once and treated
// as read-only for the process lifetime.
type Schema struct {
	Entities []Entity
}

// Queryer provides query access for schema introspection.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Introspect queries information_schema to discover entities, fields, primary
// keys and foreign keys, then derives relation descriptors in both directions.
func Introspect(ctx context.Context, db Queryer, databaseName string) (*Schema, error) {
	ctx, span := startSpan(ctx, "introspection.build_schema",
		attribute.String("db.name", databaseName),
	)
	defer span.End()

	names, err := getTableNames(ctx, db, databaseName)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	schema := &Schema{}
	for _, name := range names {
		fields, err := getFields(ctx, db, databaseName, name)
		if err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to get columns for %s: %w", name, err)
		}
		primaryKey, err := getPrimaryKey(ctx, db, databaseName, name)
		if err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to get primary key for %s: %w", name, err)
		}
		foreignKeys, err := getForeignKeys(ctx, db, databaseName, name)
		if err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to get foreign keys for %s: %w", name, err)
		}

		for i := range fields {
			for _, pk := range primaryKey {
				if fields[i].Name == pk {
					fields[i].PrimaryKey = true
					break
				}
			}
		}

		schema.Entities = append(schema.Entities, Entity{
			Name:        name,
			Fields:      fields,
			PrimaryKey:  primaryKey,
			ForeignKeys: foreignKeys,
		})
	}

	buildRelations(schema)
	return schema, nil
}

func getTableNames(ctx context.Context, db Queryer, databaseName string) ([]string, error) {
	ctx, span := startSpan(ctx, "introspection.get_tables",
		attribute.String("db.name", databaseName),
	)
	defer span.End()

	query := `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ?
		AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME
	`

	rows, err := db.QueryContext(ctx, query, databaseName)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return names, nil
}

func getFields(ctx context.Context, db Queryer, databaseName, tableName string) ([]Field, error) {
	ctx, span := startSpan(ctx, "introspection.get_columns",
		attribute.String("db.name", databaseName),
		attribute.String("db.table", tableName),
	)
	defer span.End()

	query := `
		SELECT
			COLUMN_NAME,
			DATA_TYPE,
			COLUMN_TYPE,
			COLUMN_COMMENT,
			IS_NULLABLE,
			COLUMN_DEFAULT,
			COLUMN_KEY,
			EXTRA
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`

	rows, err := db.QueryContext(ctx, query, databaseName, tableName)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var fields []Field
	for rows.Next() {
		var f Field
		var columnType string
		var comment sql.NullString
		var isNullable string
		var columnDefault sql.NullString
		var columnKey string
		var extra string
		if err := rows.Scan(&f.Name, &f.DataType, &columnType, &comment, &isNullable, &columnDefault, &columnKey, &extra); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		if comment.Valid {
			f.Comment = strings.TrimSpace(comment.String)
		}
		f.Nullable = strings.EqualFold(isNullable, "YES")
		f.Unique = columnKey == "UNI" || columnKey == "PRI"
		f.HasDefault = columnDefault.Valid
		f.AutoIncrement = strings.Contains(strings.ToLower(extra), "auto_increment")
		if strings.EqualFold(f.DataType, "enum") || strings.EqualFold(f.DataType, "set") {
			values, err := parseEnumValues(columnType)
			if err != nil {
				slog.Default().Warn("failed to parse enum values",
					slog.String("column", f.Name),
					slog.String("type", columnType),
					slog.String("error", err.Error()))
			} else {
				f.EnumValues = values
			}
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return fields, nil
}

func getPrimaryKey(ctx context.Context, db Queryer, databaseName, tableName string) ([]string, error) {
	ctx, span := startSpan(ctx, "introspection.get_primary_key",
		attribute.String("db.name", databaseName),
		attribute.String("db.table", tableName),
	)
	defer span.End()

	query := `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ?
		AND TABLE_NAME = ?
		AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION
	`

	rows, err := db.QueryContext(ctx, query, databaseName, tableName)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var primaryKey []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		primaryKey = append(primaryKey, name)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return primaryKey, nil
}

func getForeignKeys(ctx context.Context, db Queryer, databaseName, tableName string) ([]ForeignKey, error) {
	ctx, span := startSpan(ctx, "introspection.get_foreign_keys",
		attribute.String("db.name", databaseName),
		attribute.String("db.table", tableName),
	)
	defer span.End()

	query := `
		SELECT
			CONSTRAINT_NAME,
			COLUMN_NAME,
			REFERENCED_TABLE_NAME,
			REFERENCED_COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ?
			AND TABLE_NAME = ?
			AND REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY CONSTRAINT_NAME, ORDINAL_POSITION
	`

	rows, err := db.QueryContext(ctx, query, databaseName, tableName)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	byConstraint := make(map[string]*ForeignKey)
	var order []string
	for rows.Next() {
		var constraint, column, targetEntity, targetField string
		if err := rows.Scan(&constraint, &column, &targetEntity, &targetField); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		fk, ok := byConstraint[constraint]
		if !ok {
			fk = &ForeignKey{ConstraintName: constraint, TargetEntity: targetEntity}
			byConstraint[constraint] = fk
			order = append(order, constraint)
		}
		fk.Fields = append(fk.Fields, column)
		fk.TargetFields = append(fk.TargetFields, targetField)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	foreignKeys := make([]ForeignKey, 0, len(order))
	for _, constraint := range order {
		foreignKeys = append(foreignKeys, *byConstraint[constraint])
	}
	return foreignKeys, nil
}

// parseEnumValues extracts values from an enum(...)/set(...) column type.
func parseEnumValues(columnType string) ([]string, error) {
	open := strings.Index(columnType, "(")
	close := strings.LastIndex(columnType, ")")
	if open == -1 || close == -1 || close <= open {
		return nil, fmt.Errorf("malformed enum type: %s", columnType)
	}
	raw := columnType[open+1 : close]
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		part = strings.Trim(part, "'")
		values = append(values, strings.ReplaceAll(part, "''", "'"))
	}
	return values, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("schemarest/introspection")
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
