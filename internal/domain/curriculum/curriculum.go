// Package curriculum holds the static topic list of the 8-week study track.
// The default list is embedded; a YAML file with the same schema can replace it.
package curriculum

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed curriculum.yaml
var embeddedCurriculum []byte

// DefaultWeeks is the length of the study track.
const DefaultWeeks = 8

// Errors returned while loading a curriculum.
var (
	ErrNoTopics       = errors.New("curriculum: no topics defined")
	ErrDuplicateTopic = errors.New("curriculum: duplicate topic id")
	ErrInvalidWeek    = errors.New("curriculum: topic week out of range")
	ErrEmptyTopicID   = errors.New("curriculum: topic id is empty")
)

// Topic is one curriculum unit with a fixed week assignment.
type Topic struct {
	ID     string `yaml:"id" json:"id"`
	Week   int    `yaml:"week" json:"week"`
	Title  string `yaml:"title" json:"title"`
	Prereq string `yaml:"prereq,omitempty" json:"prereq,omitempty"`
}

// Curriculum is the ordered topic list.
type Curriculum struct {
	Weeks  int     `yaml:"weeks"`
	Topics []Topic `yaml:"topics"`

	index map[string]int
}

// Default parses the embedded curriculum. It panics only if the embedded
// document is broken, which the package tests guard against.
func Default() *Curriculum {
	c, err := Parse(embeddedCurriculum)
	if err != nil {
		panic(fmt.Sprintf("curriculum: embedded document invalid: %v", err))
	}
	return c
}

// Load reads a curriculum from path, or returns the embedded one when path is empty.
func Load(path string) (*Curriculum, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("curriculum: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML curriculum.
func Parse(data []byte) (*Curriculum, error) {
	var c Curriculum
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("curriculum: parse: %w", err)
	}
	if c.Weeks == 0 {
		c.Weeks = DefaultWeeks
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// New builds a curriculum from topics in the given order.
func New(weeks int, topics []Topic) (*Curriculum, error) {
	c := &Curriculum{Weeks: weeks, Topics: append([]Topic(nil), topics...)}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Curriculum) validate() error {
	if len(c.Topics) == 0 {
		return ErrNoTopics
	}
	c.index = make(map[string]int, len(c.Topics))
	for i, t := range c.Topics {
		if t.ID == "" {
			return ErrEmptyTopicID
		}
		if t.Week < 1 || t.Week > c.Weeks {
			return fmt.Errorf("%w: %s week %d", ErrInvalidWeek, t.ID, t.Week)
		}
		if _, dup := c.index[t.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTopic, t.ID)
		}
		c.index[t.ID] = i
	}
	return nil
}

// Topic looks up a topic by id.
func (c *Curriculum) Topic(id string) (Topic, bool) {
	i, ok := c.index[id]
	if !ok {
		return Topic{}, false
	}
	return c.Topics[i], true
}

// Has reports whether id is a curriculum topic.
func (c *Curriculum) Has(id string) bool {
	_, ok := c.index[id]
	return ok
}

// Week returns the topics of week w in curriculum order.
func (c *Curriculum) Week(w int) []Topic {
	var out []Topic
	for _, t := range c.Topics {
		if t.Week == w {
			out = append(out, t)
		}
	}
	return out
}
