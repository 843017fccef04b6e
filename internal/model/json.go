// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSONMap 是存储在 JSON 列中的自由元数据映射（字符串键）。
type JSONMap map[string]interface{}

// Value 实现 driver.Valuer 接口，序列化为 JSON 字节。
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan 实现 sql.Scanner 接口，从 JSON 字节反序列化。
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, m)
}

// StringList 是存储在 JSON 列中的字符串列表（如知识库 ID 列表）。
type StringList []string

// Value 实现 driver.Valuer 接口。
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan 实现 sql.Scanner 接口。
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, l)
}

// jsonBytes 将驱动返回的值规整为字节切片。
func jsonBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("unsupported json column type")
	}
}
