// Package deck is one participant's session of a live slide deck: the
// speaker's current slide, likes per slide, audience questions with upvotes,
// and who is online.
//
// A Session owns every CRDT of the room and the local view state built on
// them. All of its methods, like the callbacks feeding it, must run on the
// replica's dispatcher.
package deck

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/shinyes/yep_deck/pkg/crdt"
	"github.com/shinyes/yep_deck/pkg/event"
	"github.com/shinyes/yep_deck/pkg/eventlog"
	"github.com/shinyes/yep_deck/pkg/ident"
	"github.com/shinyes/yep_deck/pkg/presence"
)

// Log keys of a room.
const (
	SpeakerSlideKey = "speaker_slide"
	QuestionsKey    = "questions"
	likesPrefix     = "likes/"
	upvotesPrefix   = "upvotes/"
)

var (
	ErrNoSlides      = errors.New("deck has no slides")
	ErrNoUser        = errors.New("user id is required")
	ErrEmptyQuestion = errors.New("question is empty")
	ErrNoQuestion    = errors.New("no such question")
	ErrCannotUpvote  = errors.New("cannot upvote question")
)

// Settings describes the participant and the deck.
type Settings struct {
	UserID  string
	Speaker bool
	Slides  []string
	DeckURL string
}

// Deps are the room's transports, bound to this replica's dispatcher.
type Deps struct {
	Logs      eventlog.Opener
	Conn      presence.ConnectionFeed
	Presence  presence.Transport
	Scheduler Scheduler
}

// Question is an audience question. Questions are compared by value, so two
// submissions never collide thanks to the generated id.
type Question struct {
	ID     string `msgpack:"id"`
	Text   string `msgpack:"text"`
	Author string `msgpack:"author"`
}

func (q Question) String() string {
	return fmt.Sprintf("%s %q by %s", q.ID, q.Text, q.Author)
}

// QuestionView is a question with its upvote state for this participant.
type QuestionView struct {
	Question
	Upvotes   int
	Upvoted   bool
	CanUpvote bool
}

// Status is a snapshot of everything a renderer shows.
type Status struct {
	Ready        bool
	Speaker      bool
	Slide        string
	Index        int
	LastRevealed int
	LastIndex    int
	Following    bool
	CanGoBack    bool
	CanGoForward bool
	Likes        int
	Liked        bool
	Online       int
	Connected    bool
	LastQuestion string
	DeckURL      string
}

type options struct {
	logger        log.Logger
	crdtOpts      []crdt.Option
	gen           *ident.Generator
	frameInterval time.Duration
	onRender      func(Status)
}

// Option customizes a Session.
type Option func(*options)

// WithLogger sets the logger of the session and its CRDTs.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCRDTOptions passes options to every CRDT of the session.
func WithCRDTOptions(opts ...crdt.Option) Option {
	return func(o *options) { o.crdtOpts = append(o.crdtOpts, opts...) }
}

// WithGenerator sets the generator of question ids and like tags.
func WithGenerator(gen *ident.Generator) Option {
	return func(o *options) {
		if gen != nil {
			o.gen = gen
		}
	}
}

// WithFrameInterval sets the render coalescing interval.
func WithFrameInterval(d time.Duration) Option {
	return func(o *options) { o.frameInterval = d }
}

// WithOnRender registers the renderer. It runs at most once per frame.
func WithOnRender(fn func(Status)) Option {
	return func(o *options) { o.onRender = fn }
}

// Session is one participant's live view of a deck.
type Session struct {
	settings Settings
	deps     Deps
	logger   log.Logger
	crdtOpts []crdt.Option
	gen      *ident.Generator
	onRender func(Status)
	frames   *Frames

	speakerSlide *crdt.LWWRegister[string]
	likes        map[string]*crdt.ORSet[string]
	questions    *crdt.GSet[Question]
	upvotes      map[string]*crdt.GSet[string]
	online       *presence.Set
	connSub      presence.Subscription

	current      int
	lastRevealed int
	following    bool
	lastQuestion string
}

// New joins the deck: it opens every log of the room, seeds the speaker
// slide with the first slide if the room is new, and publishes presence.
func New(settings Settings, deps Deps, opts ...Option) (*Session, error) {
	if len(settings.Slides) == 0 {
		return nil, ErrNoSlides
	}
	if settings.UserID == "" {
		return nil, ErrNoUser
	}

	o := options{logger: log.NewNopLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.gen == nil {
		o.gen = ident.NewGenerator()
	}

	s := &Session{
		settings:  settings,
		deps:      deps,
		logger:    log.With(o.logger, "user", settings.UserID),
		gen:       o.gen,
		onRender:  o.onRender,
		likes:     make(map[string]*crdt.ORSet[string], len(settings.Slides)),
		upvotes:   make(map[string]*crdt.GSet[string]),
		following: true,
	}
	s.crdtOpts = append([]crdt.Option{crdt.WithLogger(o.logger), crdt.WithGenerator(o.gen)}, o.crdtOpts...)
	s.frames = NewFrames(deps.Scheduler, o.frameInterval, s.flush)

	speaker, err := crdt.NewLWWRegister(deps.Logs.Open(SpeakerSlideKey), settings.Slides[0], s.speakerSlideChanged, s.crdtOpts...)
	if err != nil {
		return nil, fmt.Errorf("open speaker slide: %w", err)
	}
	s.speakerSlide = speaker

	for _, slide := range settings.Slides {
		if _, ok := s.likes[slide]; ok {
			continue
		}
		s.likes[slide] = crdt.NewORSet(deps.Logs.Open(LikesKey(slide)), func(event.Op, string) { s.render() }, s.crdtOpts...)
	}

	s.questions = crdt.NewGSet(deps.Logs.Open(QuestionsKey), s.questionAdded, s.crdtOpts...)

	s.online = presence.New(settings.UserID, presence.DefaultRoot, deps.Conn, deps.Presence,
		presence.WithLogger(o.logger),
		presence.WithOnChange(func(int) { s.render() }))
	s.connSub = deps.Conn.SubscribeConnection(func(presence.State) { s.render() })

	level.Info(s.logger).Log("msg", "joined deck", "speaker", settings.Speaker, "slides", len(settings.Slides))
	return s, nil
}

// LikesKey returns the log key of a slide's likes. Characters that cannot
// appear in a path segment are replaced by underscores.
func LikesKey(slide string) string {
	return likesPrefix + strings.Map(func(r rune) rune {
		switch r {
		case '.', '$', '/', '[', ']', '#':
			return '_'
		}
		return r
	}, slide)
}

// UpvotesKey returns the log key of a question's upvotes.
func UpvotesKey(questionID string) string {
	return upvotesPrefix + questionID
}

func (s *Session) slideIndex(slide string) int {
	for i, v := range s.settings.Slides {
		if v == slide {
			return i
		}
	}
	return 0
}

func (s *Session) lastIndex() int {
	return len(s.settings.Slides) - 1
}

func (s *Session) speakerSlideChanged(slide string) {
	idx := s.slideIndex(slide)
	if idx > s.lastRevealed {
		s.lastRevealed = idx
	}
	if s.following {
		s.current = idx
	}
	level.Debug(s.logger).Log("msg", "speaker slide", "slide", slide, "index", idx)
	s.render()
}

func (s *Session) questionAdded(q Question) {
	if _, ok := s.upvotes[q.ID]; !ok {
		s.upvotes[q.ID] = crdt.NewGSet(s.deps.Logs.Open(UpvotesKey(q.ID)), func(string) {
			s.lastQuestion = q.Text
			s.render()
		}, s.crdtOpts...)
	}
	s.lastQuestion = q.Text
	s.render()
}

func (s *Session) render() {
	s.frames.Request()
}

func (s *Session) flush() {
	if s.onRender != nil {
		s.onRender(s.Status())
	}
}

// Frames exposes the render coalescer.
func (s *Session) Frames() *Frames {
	return s.frames
}

// maxIndex is the furthest slide this participant may move to.
func (s *Session) maxIndex() int {
	if s.settings.Speaker {
		return s.lastIndex()
	}
	return s.lastRevealed
}

// ChangeSlide moves by delta slides. The speaker moves everyone following;
// anyone else moves locally within the revealed slides and keeps following
// only while back on the speaker's slide.
func (s *Session) ChangeSlide(delta int) {
	idx := max(0, min(s.maxIndex(), s.current+delta))
	if idx == s.current {
		return
	}

	if s.settings.Speaker {
		s.speakerSlide.Set(s.settings.Slides[idx])
		return
	}

	s.current = idx
	speaker, ok := s.speakerSlide.Get()
	s.following = idx == s.lastRevealed && ok && s.settings.Slides[idx] == speaker
	s.render()
}

// FollowSpeaker jumps to the speaker's slide and follows it from now on.
func (s *Session) FollowSpeaker() {
	speaker, _ := s.speakerSlide.Get()
	s.current = s.slideIndex(speaker)
	s.following = true
	s.render()
}

func (s *Session) currentLikes() *crdt.ORSet[string] {
	return s.likes[s.settings.Slides[s.current]]
}

// ToggleLike likes the current slide, or withdraws the like.
func (s *Session) ToggleLike() {
	set := s.currentLikes()
	if set.Has(s.settings.UserID) {
		set.Delete(s.settings.UserID)
	} else {
		set.Add(s.settings.UserID)
	}
}

// Liked reports whether this participant likes the current slide.
func (s *Session) Liked() bool {
	return s.currentLikes().Has(s.settings.UserID)
}

// LikeCount returns the likes of the current slide.
func (s *Session) LikeCount() int {
	return s.currentLikes().Count()
}

// SubmitQuestion posts a question under a fresh id and returns it.
func (s *Session) SubmitQuestion(text string) (Question, error) {
	if strings.TrimSpace(text) == "" {
		return Question{}, ErrEmptyQuestion
	}
	q := Question{ID: s.gen.Generate(), Text: text, Author: s.settings.UserID}
	s.questions.Add(q)
	return q, nil
}

func (s *Session) question(id string) (Question, bool) {
	for _, q := range s.questions.Values() {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

func (s *Session) canUpvote(q Question) bool {
	votes, ok := s.upvotes[q.ID]
	if !ok || s.settings.Speaker || q.Author == s.settings.UserID {
		return false
	}
	return !votes.Has(s.settings.UserID)
}

// Upvote adds this participant's vote to a question. The speaker, the author
// and those who already voted cannot upvote.
func (s *Session) Upvote(questionID string) error {
	q, ok := s.question(questionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoQuestion, questionID)
	}
	if !s.canUpvote(q) {
		return fmt.Errorf("%w: %s", ErrCannotUpvote, questionID)
	}
	s.upvotes[q.ID].Add(s.settings.UserID)
	return nil
}

// Questions returns the questions by upvotes, most first, then newest id
// first.
func (s *Session) Questions() []QuestionView {
	qs := s.questions.Values()
	out := make([]QuestionView, 0, len(qs))
	for _, q := range qs {
		v := QuestionView{Question: q, CanUpvote: s.canUpvote(q)}
		if votes, ok := s.upvotes[q.ID]; ok {
			v.Upvotes = votes.Len()
			v.Upvoted = votes.Has(s.settings.UserID) || q.Author == s.settings.UserID
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Upvotes != out[j].Upvotes {
			return out[i].Upvotes > out[j].Upvotes
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Status returns the current view.
func (s *Session) Status() Status {
	_, ready := s.speakerSlide.Get()
	st := Status{
		Ready:        ready,
		Speaker:      s.settings.Speaker,
		Slide:        s.settings.Slides[s.current],
		Index:        s.current,
		LastRevealed: s.lastRevealed,
		LastIndex:    s.lastIndex(),
		Following:    s.following,
		CanGoBack:    s.current > 0,
		CanGoForward: s.current < s.maxIndex(),
		Likes:        s.LikeCount(),
		Liked:        s.Liked(),
		Online:       s.online.Count(),
		Connected:    s.online.Connected(),
		LastQuestion: s.lastQuestion,
	}
	if s.settings.Speaker {
		st.DeckURL = s.settings.DeckURL
	}
	return st
}

// UserID returns the participant id.
func (s *Session) UserID() string {
	return s.settings.UserID
}

// Leave removes this participant from the online members.
func (s *Session) Leave() error {
	return s.online.Leave()
}

// Close detaches every subscription and cancels a pending render.
func (s *Session) Close() {
	s.frames.Stop()
	s.connSub.Close()
	s.online.Close()
	s.speakerSlide.Close()
	for _, set := range s.likes {
		set.Close()
	}
	s.questions.Close()
	for _, set := range s.upvotes {
		set.Close()
	}
}
