package decisions

import (
	"context"
	"errors"
	"time"
)

// Setting is one runtime-editable configuration entry.
type Setting struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GetSetting returns the value for key, creating the row with def when
// it does not exist yet. Concurrent first reads race on the insert, not
// on the row: ON CONFLICT DO NOTHING keeps exactly one.
func (s *Store) GetSetting(ctx context.Context, key, def, description, category string) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, description, category, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		key, def, description, category, s.now().UTC().Format(tsLayout),
	)
	if err != nil {
		return "", storageErr("get setting "+key, err)
	}

	var value string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", storageErr("get setting "+key, err)
	}
	return value, nil
}

// SetSetting upserts a value. Existing descriptions are preserved.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UTC().Format(tsLayout),
	)
	if err != nil {
		return storageErr("set setting "+key, err)
	}
	return nil
}

// Settings returns every setting ordered by category then key.
func (s *Store) Settings(ctx context.Context) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, description, category, updated_at
		 FROM settings ORDER BY category, key`)
	if err != nil {
		return nil, storageErr("list settings", err)
	}
	defer rows.Close()

	out := []Setting{}
	for rows.Next() {
		var (
			st Setting
			ts string
		)
		if err := rows.Scan(&st.Key, &st.Value, &st.Description, &st.Category, &ts); err != nil {
			return nil, storageErr("list settings", err)
		}
		st.UpdatedAt, _ = time.Parse(tsLayout, ts)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list settings", err)
	}
	return out, nil
}

// SettingValues reads the whole settings table in one query.
func (s *Store) SettingValues(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, storageErr("read settings", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, storageErr("read settings", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read settings", err)
	}
	return out, nil
}

// Prompt is an editable prompt template.
type Prompt struct {
	Name        string    `json:"key"`
	Content     string    `json:"content"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GetPrompt returns the prompt content, seeding it with def on first use.
func (s *Store) GetPrompt(ctx context.Context, name, def, description string) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts (name, content, description, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (name) DO NOTHING`,
		name, def, description, s.now().UTC().Format(tsLayout),
	)
	if err != nil {
		return "", storageErr("get prompt "+name, err)
	}

	var content string
	err = s.db.QueryRowContext(ctx, `SELECT content FROM prompts WHERE name = ?`, name).Scan(&content)
	if err != nil {
		return "", storageErr("get prompt "+name, err)
	}
	return content, nil
}

// UpdatePrompt replaces the content of an existing prompt. Unknown names
// return ErrNotFound; prompts are created only by GetPrompt.
func (s *Store) UpdatePrompt(ctx context.Context, name, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prompts SET content = ?, updated_at = ? WHERE name = ?`,
		content, s.now().UTC().Format(tsLayout), name,
	)
	if err != nil {
		return storageErr("update prompt "+name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update prompt "+name, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Prompts lists every stored prompt.
func (s *Store) Prompts(ctx context.Context) ([]Prompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, content, description, updated_at FROM prompts ORDER BY name`)
	if err != nil {
		return nil, storageErr("list prompts", err)
	}
	defer rows.Close()

	out := []Prompt{}
	for rows.Next() {
		var (
			p  Prompt
			ts string
		)
		if err := rows.Scan(&p.Name, &p.Content, &p.Description, &ts); err != nil {
			return nil, storageErr("list prompts", err)
		}
		p.UpdatedAt, _ = time.Parse(tsLayout, ts)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list prompts", err)
	}
	return out, nil
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
