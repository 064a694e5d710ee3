package workflow

import (
	"bytes"
	stdErrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseYAML 解析一个或多个（以 --- 分隔的）YAML 工作流文档
//
// 时长字段使用 Go duration 语法，例如 "5s"、"200ms"。
func ParseYAML(data []byte) ([]*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var defs []*Definition
	for {
		var def Definition
		err := dec.Decode(&def)
		if stdErrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode workflow yaml: %w", err)
		}
		if def.Name == "" && len(def.Steps) == 0 {
			continue
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// LoadDir 读取目录下所有 .yaml/.yml 文件，按文件名排序
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflow dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var defs []*Definition
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		parsed, err := ParseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		defs = append(defs, parsed...)
	}
	return defs, nil
}
