package scorm

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Standard data type formats (SCORM 1.2 RTE chapter 3).
const (
	cmiString256  = `^[\x{0000}-\x{FFFF}]{0,255}$`
	cmiString4096 = `^[\x{0000}-\x{FFFF}]{0,4096}$`
	// Non-standard packages get a relaxed limit, like Moodle's scorm12standard=0.
	cmiStringRelaxed = `^[\x{0000}-\x{FFFF}]{0,64000}$`

	cmiTime       = `^([0-2][0-9]):([0-5][0-9]):([0-5][0-9])(\.[0-9]{1,2})?$`
	cmiTimespan   = `^([0-9]{2,4}):([0-9]{2}):([0-9]{2})(\.[0-9]{1,2})?$`
	cmiSInteger   = `^-?([0-9]+)$`
	cmiDecimal    = `^-?([0-9]{0,3})(\.[0-9]*)?$`
	cmiIdentifier = `^[\x{0021}-\x{007E}]{0,255}$`

	cmiStatus  = `^passed$|^completed$|^failed$|^incomplete$|^browsed$`
	cmiStatus2 = `^passed$|^completed$|^failed$|^incomplete$|^browsed$|^not attempted$`
	cmiExit    = `^time-out$|^suspend$|^logout$|^$`
	cmiType    = `^true-false$|^choice$|^fill-in$|^matching$|^performance$|^sequencing$|^likert$|^numeric$`
	cmiResult  = `^correct$|^wrong$|^unanticipated$|^neutral$|^([0-9]{0,3})?(\.[0-9]*)?$`
	navEvent   = `^previous$|^continue$`
)

// Children lists.
const (
	cmiChildren          = "core,suspend_data,launch_data,comments,objectives,student_data,student_preference,interactions"
	coreChildren         = "student_id,student_name,lesson_location,credit,lesson_status,entry,score,total_time,lesson_mode,exit,session_time"
	scoreChildren        = "raw,min,max"
	commentsChildren     = "content,location,time"
	objectivesChildren   = "id,score,status"
	studentDataChildren  = "mastery_score,max_time_allowed,time_limit_action"
	studentPrefChildren  = "audio,language,speed,text"
	interactionsChildren = "id,objectives,time,type,correct_responses,weighting,student_response,result,latency"
)

// Data ranges.
const (
	scoreRange     = "0#100"
	audioRange     = "-1#100"
	speedRange     = "-100#100"
	weightingRange = "-100#100"
	textRange      = "-1#1"
)

// cmiIndex matches the numeric path segment of dynamic elements, both in the
// standard dot form (cmi.objectives.3.id) and the storage form used by the LMS
// (cmi.objectives_3.id).
var cmiIndex = regexp.MustCompile(`[._](\d+)\.`)

// toGenericElement rewrites concrete indexed elements to their generic schema
// form: cmi.interactions.1.id -> cmi.interactions.n.id.
func toGenericElement(element string) string {
	return cmiIndex.ReplaceAllString(element, ".n.")
}

// toStorageElement rewrites dot-indexed elements to the underscore convention
// the LMS stores them with: cmi.interactions.1.id -> cmi.interactions_1.id.
func toStorageElement(element string) string {
	return cmiIndex.ReplaceAllString(element, "_$1.")
}

// toDotElement is the inverse of toStorageElement.
func toDotElement(element string) string {
	return cmiIndex.ReplaceAllString(element, ".$1.")
}

// AccessMode is the access mode of a data model element.
type AccessMode int

const (
	ReadWrite AccessMode = iota
	ReadOnly
	WriteOnly
)

type valueRange struct {
	min float64
	max float64
}

// parseRange parses a "min#max" range spec. Specs are compile-time constants,
// so a malformed one is a programming error.
func parseRange(spec string) *valueRange {
	parts := strings.SplitN(spec, "#", 2)
	min, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		panic("scorm: bad range spec " + spec)
	}
	max, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		panic("scorm: bad range spec " + spec)
	}
	return &valueRange{min: min, max: max}
}

// modelEntry is one element of the SCORM 1.2 data model schema: its access
// mode, format validation, optional numeric range and the remembered default
// used by the changed-element collection at commit time.
type modelEntry struct {
	mod        AccessMode
	format     *regexp.Regexp
	valRange   *valueRange
	def        *string // nil means no default tracked yet
	readError  ErrorCode
	writeError ErrorCode
	dynamic    bool // generic .n. entry
}

func (e *modelEntry) clone() *modelEntry {
	c := *e
	if e.def != nil {
		v := *e.def
		c.def = &v
	}
	return &c
}

var (
	formatCacheMu sync.Mutex
	formatCache   = map[string]*regexp.Regexp{}
)

// compileFormat caches compiled format patterns; models are built per player
// session so the same handful of patterns would otherwise recompile each time.
func compileFormat(pattern string) *regexp.Regexp {
	formatCacheMu.Lock()
	defer formatCacheMu.Unlock()
	if re, ok := formatCache[pattern]; ok {
		return re
	}
	re := regexp.MustCompile(pattern)
	formatCache[pattern] = re
	return re
}

func strp(s string) *string { return &s }

// defOf looks an element up in the supplied per-SCO default data; a missing
// element leaves the entry without a tracked default, matching the RTE spec.
func defOf(def map[string]string, element string) *string {
	if v, ok := def[element]; ok {
		return strp(v)
	}
	return nil
}

// newScoModel builds the per-SCO schema table, seeded with the SCO's default
// data. standard toggles the strict 255/4096 string limits.
func newScoModel(def map[string]string, standard bool) map[string]*modelEntry {
	str256 := cmiString256
	str4096 := cmiString4096
	if !standard {
		str256 = cmiStringRelaxed
		str4096 = cmiStringRelaxed
	}

	m := map[string]*modelEntry{
		"cmi._children":           {def: strp(cmiChildren), mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi._version":            {def: strp("3.4"), mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi.core._children":      {def: strp(coreChildren), mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi.core.student_id":     {def: defOf(def, "cmi.core.student_id"), mod: ReadOnly, writeError: ElementIsReadOnly},
		"cmi.core.student_name":   {def: defOf(def, "cmi.core.student_name"), mod: ReadOnly, writeError: ElementIsReadOnly},
		"cmi.core.lesson_location": {
			def: defOf(def, "cmi.core.lesson_location"), format: compileFormat(str256),
			mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.core.credit": {def: defOf(def, "cmi.core.credit"), mod: ReadOnly, writeError: ElementIsReadOnly},
		"cmi.core.lesson_status": {
			def: defOf(def, "cmi.core.lesson_status"), format: compileFormat(cmiStatus),
			mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.core.entry":           {def: defOf(def, "cmi.core.entry"), mod: ReadOnly, writeError: ElementIsReadOnly},
		"cmi.core.score._children": {def: strp(scoreChildren), mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi.core.score.raw": {
			def: defOf(def, "cmi.core.score.raw"), format: compileFormat(cmiDecimal),
			valRange: parseRange(scoreRange), mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.core.score.max": {
			def: defOf(def, "cmi.core.score.max"), format: compileFormat(cmiDecimal),
			valRange: parseRange(scoreRange), mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.core.score.min": {
			def: defOf(def, "cmi.core.score.min"), format: compileFormat(cmiDecimal),
			valRange: parseRange(scoreRange), mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.core.total_time":  {def: defOf(def, "cmi.core.total_time"), mod: ReadOnly, writeError: ElementIsReadOnly},
		"cmi.core.lesson_mode": {def: defOf(def, "cmi.core.lesson_mode"), mod: ReadOnly, writeError: ElementIsReadOnly},
		"cmi.core.exit": {
			def: defOf(def, "cmi.core.exit"), format: compileFormat(cmiExit),
			mod: WriteOnly, readError: ElementIsWriteOnly, writeError: IncorrectDataType,
		},
		"cmi.core.session_time": {
			def: strp("00:00:00"), format: compileFormat(cmiTimespan),
			mod: WriteOnly, readError: ElementIsWriteOnly, writeError: IncorrectDataType,
		},
		"cmi.suspend_data": {
			def: defOf(def, "cmi.suspend_data"), format: compileFormat(str4096),
			mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.launch_data": {def: defOf(def, "cmi.launch_data"), mod: ReadOnly, writeError: ElementIsReadOnly},
		"cmi.comments": {
			def: defOf(def, "cmi.comments"), format: compileFormat(str4096),
			mod: ReadWrite, writeError: IncorrectDataType,
		},
		// Deprecated evaluation elements, still exposed by some legacy packages.
		"cmi.evaluation.comments._count":    {def: strp("0"), mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi.evaluation.comments._children": {def: strp(commentsChildren), mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi.evaluation.comments.n.content": {
			def: strp(""), dynamic: true, format: compileFormat(str256),
			mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.evaluation.comments.n.location": {
			def: strp(""), dynamic: true, format: compileFormat(str256),
			mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.evaluation.comments.n.time": {
			def: strp(""), dynamic: true, format: compileFormat(cmiTime),
			mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.comments_from_lms":      {mod: ReadOnly, writeError: ElementIsReadOnly},
		"cmi.objectives._children":   {def: strp(objectivesChildren), mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi.objectives._count":      {def: strp("0"), mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi.objectives.n.id":        {dynamic: true, format: compileFormat(cmiIdentifier), mod: ReadWrite, writeError: IncorrectDataType},
		"cmi.objectives.n.score._children": {dynamic: true, mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi.objectives.n.score.raw": {
			def: strp(""), dynamic: true, format: compileFormat(cmiDecimal),
			valRange: parseRange(scoreRange), mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.objectives.n.score.min": {
			def: strp(""), dynamic: true, format: compileFormat(cmiDecimal),
			valRange: parseRange(scoreRange), mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.objectives.n.score.max": {
			def: strp(""), dynamic: true, format: compileFormat(cmiDecimal),
			valRange: parseRange(scoreRange), mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.objectives.n.status":      {dynamic: true, format: compileFormat(cmiStatus2), mod: ReadWrite, writeError: IncorrectDataType},
		"cmi.student_data._children":   {def: strp(studentDataChildren), mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi.student_data.mastery_score": {
			def: defOf(def, "cmi.student_data.mastery_score"), mod: ReadOnly, writeError: ElementIsReadOnly,
		},
		"cmi.student_data.max_time_allowed": {
			def: defOf(def, "cmi.student_data.max_time_allowed"), mod: ReadOnly, writeError: ElementIsReadOnly,
		},
		"cmi.student_data.time_limit_action": {
			def: defOf(def, "cmi.student_data.time_limit_action"), mod: ReadOnly, writeError: ElementIsReadOnly,
		},
		"cmi.student_preference._children": {def: strp(studentPrefChildren), mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi.student_preference.audio": {
			def: defOf(def, "cmi.student_preference.audio"), format: compileFormat(cmiSInteger),
			valRange: parseRange(audioRange), mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.student_preference.language": {
			def: defOf(def, "cmi.student_preference.language"), format: compileFormat(str256),
			mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.student_preference.speed": {
			def: defOf(def, "cmi.student_preference.speed"), format: compileFormat(cmiSInteger),
			valRange: parseRange(speedRange), mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.student_preference.text": {
			def: defOf(def, "cmi.student_preference.text"), format: compileFormat(cmiSInteger),
			valRange: parseRange(textRange), mod: ReadWrite, writeError: IncorrectDataType,
		},
		"cmi.interactions._children": {def: strp(interactionsChildren), mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi.interactions._count":    {def: strp("0"), mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi.interactions.n.id": {
			dynamic: true, format: compileFormat(cmiIdentifier),
			mod: WriteOnly, readError: ElementIsWriteOnly, writeError: IncorrectDataType,
		},
		"cmi.interactions.n.objectives._count": {dynamic: true, def: strp("0"), mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi.interactions.n.objectives.n.id": {
			dynamic: true, format: compileFormat(cmiIdentifier),
			mod: WriteOnly, readError: ElementIsWriteOnly, writeError: IncorrectDataType,
		},
		"cmi.interactions.n.time": {
			dynamic: true, format: compileFormat(cmiTime),
			mod: WriteOnly, readError: ElementIsWriteOnly, writeError: IncorrectDataType,
		},
		"cmi.interactions.n.type": {
			dynamic: true, format: compileFormat(cmiType),
			mod: WriteOnly, readError: ElementIsWriteOnly, writeError: IncorrectDataType,
		},
		"cmi.interactions.n.correct_responses._count": {dynamic: true, def: strp("0"), mod: ReadOnly, writeError: ElementIsKeyword},
		"cmi.interactions.n.correct_responses.n.pattern": {
			dynamic: true, format: compileFormat(str256),
			mod: WriteOnly, readError: ElementIsWriteOnly, writeError: IncorrectDataType,
		},
		"cmi.interactions.n.weighting": {
			dynamic: true, format: compileFormat(cmiDecimal), valRange: parseRange(weightingRange),
			mod: WriteOnly, readError: ElementIsWriteOnly, writeError: IncorrectDataType,
		},
		"cmi.interactions.n.student_response": {
			dynamic: true, format: compileFormat(str256),
			mod: WriteOnly, readError: ElementIsWriteOnly, writeError: IncorrectDataType,
		},
		"cmi.interactions.n.result": {
			dynamic: true, format: compileFormat(cmiResult),
			mod: WriteOnly, readError: ElementIsWriteOnly, writeError: IncorrectDataType,
		},
		"cmi.interactions.n.latency": {
			dynamic: true, format: compileFormat(cmiTimespan),
			mod: WriteOnly, readError: ElementIsWriteOnly, writeError: IncorrectDataType,
		},
		"nav.event": {
			def: strp(""), format: compileFormat(navEvent),
			mod: WriteOnly, readError: ElementIsWriteOnly, writeError: IncorrectDataType,
		},
	}

	return m
}
