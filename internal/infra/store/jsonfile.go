package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// JSONFiles хранит данные плагина в JSON-файлах внутри одного каталога.
// Одна запись — один файл <name>.json. Семантика — last-write-wins.
type JSONFiles struct {
	dir string
}

// NewJSONFiles создаёт хранилище и каталог под него.
func NewJSONFiles(dir string) (*JSONFiles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("создание каталога данных: %w", err)
	}
	return &JSONFiles{dir: dir}, nil
}

// Load читает запись в v. Если файла нет, v остаётся значением по умолчанию.
func (s *JSONFiles) Load(name string, v any) error {
	raw, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("чтение %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("разбор %s: %w", name, err)
	}
	return nil
}

// Save синхронно записывает значение. Запись идёт во временный файл
// с последующим переименованием, частичных файлов не остаётся.
func (s *JSONFiles) Save(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("сериализация %s: %w", name, err)
	}
	target := s.path(name)
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("временный файл %s: %w", name, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("запись %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("закрытие %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("замена %s: %w", name, err)
	}
	return nil
}

func (s *JSONFiles) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}
