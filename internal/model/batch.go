package model

import (
	"iter"
	"slices"
)

// Section is a named, ordered set of key/value fields of a section file.
type Section struct {
	Name   string
	keys   []string
	values map[string]string
}

// Job is a non-CONFIG section of a batch.
type Job = Section

func NewSection(name string) *Section {
	return &Section{
		Name:   name,
		values: make(map[string]string),
	}
}

// Get returns the value of key and whether it is set.
func (s *Section) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Value returns the value of key or an empty string.
func (s *Section) Value(key string) string {
	return s.values[key]
}

func (s *Section) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Set stores the value. A new key is appended after the existing ones,
// an existing key keeps its position.
func (s *Section) Set(key, value string) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

func (s *Section) Delete(key string) {
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	s.keys = slices.DeleteFunc(s.keys, func(k string) bool { return k == key })
}

func (s *Section) Len() int {
	return len(s.keys)
}

// Keys returns a copy of the keys in insertion order.
func (s *Section) Keys() []string {
	return slices.Clone(s.keys)
}

// All iterates over the fields in insertion order.
func (s *Section) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, k := range s.keys {
			if !yield(k, s.values[k]) {
				return
			}
		}
	}
}

// Map returns the fields as a new map.
func (s *Section) Map() map[string]string {
	m := make(map[string]string, len(s.values))
	for k, v := range s.values {
		m[k] = v
	}
	return m
}

func (s *Section) Clone() *Section {
	c := NewSection(s.Name)
	for k, v := range s.All() {
		c.Set(k, v)
	}
	return c
}

// Batch is an ordered list of sections. The CONFIG section carries the
// batch level settings, all other sections are jobs.
type Batch struct {
	sections []*Section
}

func NewBatch() *Batch {
	return &Batch{}
}

// Section returns the section called name or nil.
func (b *Batch) Section(name string) *Section {
	for _, s := range b.sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Put stores the section. A section with the same name is replaced in place,
// otherwise s is appended.
func (b *Batch) Put(s *Section) {
	for i, old := range b.sections {
		if old.Name == s.Name {
			b.sections[i] = s
			return
		}
	}
	b.sections = append(b.sections, s)
}

// Ensure returns the section called name, creating an empty one if needed.
func (b *Batch) Ensure(name string) *Section {
	if s := b.Section(name); s != nil {
		return s
	}
	s := NewSection(name)
	b.sections = append(b.sections, s)
	return s
}

func (b *Batch) Config() *Section {
	return b.Section(ConfigSection)
}

// Jobs returns all sections except CONFIG in file order.
func (b *Batch) Jobs() []*Section {
	jobs := make([]*Section, 0, len(b.sections))
	for _, s := range b.sections {
		if s.Name != ConfigSection {
			jobs = append(jobs, s)
		}
	}
	return jobs
}

func (b *Batch) Sections() []*Section {
	return slices.Clone(b.sections)
}

func (b *Batch) Len() int {
	return len(b.sections)
}

func (b *Batch) Clone() *Batch {
	c := &Batch{sections: make([]*Section, 0, len(b.sections))}
	for _, s := range b.sections {
		c.sections = append(c.sections, s.Clone())
	}
	return c
}
