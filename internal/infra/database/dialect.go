package database

import "fmt"

// Dialect 用于适配不同数据库的占位符风格。
type Dialect struct {
	driver string
}

// NewDialect 根据驱动名称构建方言。
func NewDialect(driver string) Dialect {
	return Dialect{driver: driver}
}

// Placeholder 返回指定序号的占位符。
func (d Dialect) Placeholder(index int) string {
	if d.IsPostgres() {
		return fmt.Sprintf("$%d", index)
	}
	return "?"
}

// PlaceholderBuilder 用于生成顺序占位符，避免手动维护计数。
type PlaceholderBuilder struct {
	dialect Dialect
	index   int
}

// NewPlaceholderBuilder 创建一个计数器实例。
func NewPlaceholderBuilder(d Dialect) *PlaceholderBuilder {
	return &PlaceholderBuilder{dialect: d}
}

// Next 返回下一个可用占位符。
func (b *PlaceholderBuilder) Next() string {
	b.index++
	return b.dialect.Placeholder(b.index)
}

// IsPostgres 判断是否为 PostgreSQL 方言。
func (d Dialect) IsPostgres() bool {
	switch d.driver {
	case "postgres", "pgx", "postgresql":
		return true
	default:
		return false
	}
}

// Greatest 返回取较大值的表达式，SQLite 使用多参数 MAX。
func (d Dialect) Greatest(a, b string) string {
	if d.IsPostgres() {
		return fmt.Sprintf("GREATEST(%s, %s)", a, b)
	}
	return fmt.Sprintf("MAX(%s, %s)", a, b)
}

// Least 返回取较小值的表达式，SQLite 使用多参数 MIN。
func (d Dialect) Least(a, b string) string {
	if d.IsPostgres() {
		return fmt.Sprintf("LEAST(%s, %s)", a, b)
	}
	return fmt.Sprintf("MIN(%s, %s)", a, b)
}
