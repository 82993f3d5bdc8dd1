package library

import (
	"net/url"
	"time"

	"github.com/danmuck/fanserial/internal/serial"
)

// MetaData describes a story without its content.
type MetaData struct {
	Luid        string
	Title       string
	Author      string
	URL         *url.URL
	Lang        string
	Status      string
	Description string
	Words       int64
	Created     time.Time
	Updated     time.Time
	Tags        []string
	Cover       []byte
}

// Chapter is one chapter. Story points back at the owning story.
type Chapter struct {
	Name    string
	Words   int64
	URL     *url.URL
	Content string
	Story   *Story
}

// Story is a story with its chapters.
type Story struct {
	Meta     *MetaData
	Chapters []*Chapter
}

// AddChapter appends c and points it back at s.
func (s *Story) AddChapter(c *Chapter) {
	c.Story = s
	s.Chapters = append(s.Chapters, c)
}

// Progress tracks a unit of work made of weighted children.
type Progress struct {
	Name     string
	Done     int
	Total    int
	Parent   *Progress
	Children []*Progress
}

// AddChild links child under p.
func (p *Progress) AddChild(child *Progress) {
	child.Parent = p
	p.Children = append(p.Children, child)
}

// Fraction is the completed share of p in [0, 1], counting each child as one
// step of the total.
func (p *Progress) Fraction() float64 {
	total := float64(p.Total + len(p.Children))
	if total == 0 {
		return 0
	}
	done := float64(p.Done)
	for _, c := range p.Children {
		done += c.Fraction()
	}
	f := done / total
	if f > 1 {
		return 1
	}
	return f
}

// Type names on the wire.
const (
	MetaDataType = "library.MetaData"
	ChapterType  = "library.Chapter"
	StoryType    = "library.Story"
	ProgressType = "library.Progress"
)

func init() {
	if err := Register(serial.DefaultTypes); err != nil {
		panic(err)
	}
}

// Register adds the library types to t.
func Register(t *serial.Types) error {
	err := serial.Register(t, MetaDataType,
		serial.Value("luid", func(m *MetaData) string { return m.Luid }, func(m *MetaData, v string) { m.Luid = v }),
		serial.Value("title", func(m *MetaData) string { return m.Title }, func(m *MetaData, v string) { m.Title = v }),
		serial.Value("author", func(m *MetaData) string { return m.Author }, func(m *MetaData, v string) { m.Author = v }),
		serial.Value("url", func(m *MetaData) *url.URL { return m.URL }, func(m *MetaData, v *url.URL) { m.URL = v }),
		serial.Value("lang", func(m *MetaData) string { return m.Lang }, func(m *MetaData, v string) { m.Lang = v }),
		serial.Value("status", func(m *MetaData) string { return m.Status }, func(m *MetaData, v string) { m.Status = v }),
		serial.Value("description", func(m *MetaData) string { return m.Description }, func(m *MetaData, v string) { m.Description = v }),
		serial.Value("words", func(m *MetaData) int64 { return m.Words }, func(m *MetaData, v int64) { m.Words = v }),
		serial.Value("created", func(m *MetaData) time.Time { return m.Created }, func(m *MetaData, v time.Time) { m.Created = v }),
		serial.Value("updated", func(m *MetaData) time.Time { return m.Updated }, func(m *MetaData, v time.Time) { m.Updated = v }),
		serial.List("tags", func(m *MetaData) []string { return m.Tags }, func(m *MetaData, v []string) { m.Tags = v }),
		serial.Value("cover", func(m *MetaData) []byte { return m.Cover }, func(m *MetaData, v []byte) { m.Cover = v }),
	)
	if err != nil {
		return err
	}
	err = serial.Register(t, ChapterType,
		serial.Value("name", func(c *Chapter) string { return c.Name }, func(c *Chapter, v string) { c.Name = v }),
		serial.Value("words", func(c *Chapter) int64 { return c.Words }, func(c *Chapter, v int64) { c.Words = v }),
		serial.Value("url", func(c *Chapter) *url.URL { return c.URL }, func(c *Chapter, v *url.URL) { c.URL = v }),
		serial.Value("content", func(c *Chapter) string { return c.Content }, func(c *Chapter, v string) { c.Content = v }),
		serial.Value("story", func(c *Chapter) *Story { return c.Story }, func(c *Chapter, v *Story) { c.Story = v }),
	)
	if err != nil {
		return err
	}
	err = serial.Register(t, StoryType,
		serial.Value("meta", func(s *Story) *MetaData { return s.Meta }, func(s *Story, v *MetaData) { s.Meta = v }),
		serial.List("chapters", func(s *Story) []*Chapter { return s.Chapters }, func(s *Story, v []*Chapter) { s.Chapters = v }),
	)
	if err != nil {
		return err
	}
	return serial.Register(t, ProgressType,
		serial.Value("name", func(p *Progress) string { return p.Name }, func(p *Progress, v string) { p.Name = v }),
		serial.Value("done", func(p *Progress) int { return p.Done }, func(p *Progress, v int) { p.Done = v }),
		serial.Value("total", func(p *Progress) int { return p.Total }, func(p *Progress, v int) { p.Total = v }),
		serial.Value("parent", func(p *Progress) *Progress { return p.Parent }, func(p *Progress, v *Progress) { p.Parent = v }),
		serial.List("children", func(p *Progress) []*Progress { return p.Children }, func(p *Progress, v []*Progress) { p.Children = v }),
	)
}
