package scorm

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"mlearn_addons_backend/internal/event"
)

// autocommitInterval is how long after the first uncommitted SetValue an
// automatic Commit fires when the package has autocommit enabled.
const autocommitInterval = time.Minute

var (
	firstIndexRe        = regexp.MustCompile(`\.(\d+)\.`)
	objectivesIndexRe   = regexp.MustCompile(`cmi\.objectives\.(\d+)\.`)
	interactionsIndexRe = regexp.MustCompile(`cmi\.interactions\.(\d+)\.`)
	nestedObjectivesRe  = regexp.MustCompile(`objectives\.(\d+)\.`)
	nestedResponsesRe   = regexp.MustCompile(`correct_responses\.(\d+)\.`)
)

// TrackSaver persists the tracks collected by Commit/Finish, either against
// the remote LMS or into the local offline store.
type TrackSaver interface {
	SaveTracks(scoID uint, attempt int, tracks []DataEntry, offline bool, userData UserDataMap) error
}

// Settings carries the per-session parameters a data model instance needs
// from the activity configuration.
type Settings struct {
	ScormID       uint
	UserID        uint
	ScoID         uint
	Attempt       int
	Mode          Mode
	Offline       bool
	CanSaveTracks bool
	AutoCommit    bool // commit automatically one minute after a change
	Auto          bool // advance to the next SCO when the current one finishes
	Standard      bool // enforce strict SCORM 1.2 string limits
}

// DataModel12 emulates the SCORM 1.2 Run-Time Environment for the SCOs of one
// attempt. Content packages talk to it through the eight LMS* operations; all
// protocol errors are reported through the last-error code, never returned as
// Go errors, because the consumer is unmodifiable third-party content.
type DataModel12 struct {
	mu sync.Mutex

	scormID       uint
	userID        uint
	scoID         uint
	attempt       int
	mode          Mode
	offline       bool
	canSaveTracks bool
	autoCommit    bool
	auto          bool

	saver TrackSaver
	bus   *event.Bus

	userData    UserDataMap                  // current per-SCO user data
	model       map[uint]map[string]*modelEntry // per-SCO schema tables
	initialized bool
	errorCode   ErrorCode
	timer       *time.Timer
}

// NewDataModel12 builds the data model for every SCO present in userData,
// seeding defaults, dynamic element counters, lesson mode and credit.
func NewDataModel12(settings Settings, userData UserDataMap, saver TrackSaver, bus *event.Bus) *DataModel12 {
	d := &DataModel12{
		scormID:       settings.ScormID,
		userID:        settings.UserID,
		scoID:         settings.ScoID,
		attempt:       settings.Attempt,
		mode:          settings.Mode,
		offline:       settings.Offline,
		canSaveTracks: settings.CanSaveTracks,
		autoCommit:    settings.AutoCommit,
		auto:          settings.Auto,
		saver:         saver,
		bus:           bus,
		userData:      UserDataMap{},
		model:         map[uint]map[string]*modelEntry{},
	}
	if d.mode == "" {
		d.mode = ModeNormal
	}
	d.init(settings.Standard, userData)
	return d
}

func (d *DataModel12) init(standard bool, userData UserDataMap) {
	for scoID, sco := range userData {
		def := sco.DefaultData
		extra := sco.UserData

		d.model[scoID] = newScoModel(def, standard)
		current := NewScoUserData(scoID)
		d.userData[scoID] = current

		// Schema defaults first, then the stored per-SCO data on top.
		for element, entry := range d.model[scoID] {
			if !entry.dynamic && entry.def != nil {
				current.UserData[element] = *entry.def
			}
		}
		for element := range def {
			if strings.Contains(element, ".n.") {
				continue
			}
			if entry, ok := d.model[scoID][element]; ok && entry.def != nil {
				current.UserData[element] = *entry.def
			} else if v, ok := extra[element]; ok {
				current.UserData[element] = v
			} else {
				current.UserData[element] = ""
			}
		}

		// Stored dynamic elements arrive in the underscore storage form.
		// Normalize them and rebuild the collection counters, walking the
		// elements in index order so the counters advance correctly.
		indexed := make([]string, 0, len(extra))
		for element := range extra {
			if cmiIndex.MatchString(element) {
				indexed = append(indexed, element)
			}
		}
		sort.Strings(indexed)
		for _, element := range indexed {
			dotElement := toDotElement(element)
			current.UserData[dotElement] = extra[element]
			d.seedCounter(current, dotElement)
		}

		if current.UserData["cmi.core.lesson_status"] == "" {
			current.UserData["cmi.core.lesson_status"] = "not attempted"
		}
		if d.mode == ModeNormal {
			current.UserData["cmi.core.credit"] = "credit"
		} else {
			current.UserData["cmi.core.credit"] = "no-credit"
		}
		current.UserData["cmi.core.lesson_mode"] = string(d.mode)
	}
}

// seedCounter keeps a collection _count element consistent with the indexed
// element being loaded. Counters only advance once a second element of the
// same index is seen, matching how the LMS rebuilds them.
func (d *DataModel12) seedCounter(current *ScoUserData, element string) {
	counter := ""
	index := "0"

	switch {
	case strings.HasPrefix(element, "cmi.evaluation.comments"):
		counter = "cmi.evaluation.comments._count"
		index = firstIndex(element)
	case strings.HasPrefix(element, "cmi.objectives"):
		counter = "cmi.objectives._count"
		index = firstIndex(element)
	case strings.HasPrefix(element, "cmi.interactions"):
		if strings.Contains(element, ".objectives.") {
			n := matchIndex(interactionsIndexRe, element)
			index = matchIndex(nestedObjectivesRe, element)
			counter = "cmi.interactions." + n + ".objectives._count"
		} else if strings.Contains(element, ".correct_responses.") {
			n := matchIndex(interactionsIndexRe, element)
			index = matchIndex(nestedResponsesRe, element)
			counter = "cmi.interactions." + n + ".correct_responses._count"
		} else {
			counter = "cmi.interactions._count"
			index = firstIndex(element)
		}
	}
	if counter == "" {
		return
	}

	prev, exists := current.UserData[counter]
	if !exists {
		current.UserData[counter] = "0"
		return
	}
	idx, _ := strconv.Atoi(index)
	count, _ := strconv.Atoi(prev)
	if idx == count {
		current.UserData[counter] = strconv.Itoa(count + 1)
	} else if idx > count {
		current.UserData[counter] = strconv.Itoa(idx - 1)
	}
}

func firstIndex(element string) string {
	return matchIndex(firstIndexRe, element)
}

func matchIndex(re *regexp.Regexp, element string) string {
	m := re.FindStringSubmatch(element)
	if len(m) < 2 {
		return "0"
	}
	return m[1]
}

// Initialize implements LMSInitialize("").
func (d *DataModel12) Initialize(param string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.errorCode = NoError
	if param != "" {
		d.errorCode = InvalidArgument
		return "false"
	}
	if d.initialized {
		d.errorCode = GeneralException
		return "false"
	}
	d.initialized = true
	return "true"
}

// GetValue implements LMSGetValue(element).
func (d *DataModel12) GetValue(element string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.errorCode = NoError
	if !d.initialized {
		d.errorCode = NotInitialized
		return ""
	}
	if element == "" {
		d.errorCode = InvalidArgument
		return ""
	}

	generic := toGenericElement(element)
	if entry, ok := d.model[d.scoID][generic]; ok {
		if entry.mod == WriteOnly {
			d.errorCode = entry.readError
			return ""
		}
		return d.getEl(element)
	}

	// Distinguish bad _children/_count lookups on otherwise known parents.
	if parent, ok := strings.CutSuffix(generic, "._children"); ok {
		if _, exists := d.model[d.scoID][parent]; exists {
			d.errorCode = ElementCannotHaveChildren
		} else {
			d.errorCode = InvalidArgument
		}
	} else if parent, ok := strings.CutSuffix(generic, "._count"); ok {
		if _, exists := d.model[d.scoID][parent]; exists {
			d.errorCode = ElementNotAnArray
		} else {
			d.errorCode = InvalidArgument
		}
	} else {
		d.errorCode = InvalidArgument
	}
	return ""
}

// SetValue implements LMSSetValue(element, value).
func (d *DataModel12) SetValue(element, value string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.errorCode = NoError
	if !d.initialized {
		d.errorCode = NotInitialized
		return "false"
	}
	if element == "" {
		d.errorCode = InvalidArgument
		return "false"
	}

	generic := toGenericElement(element)
	entry, ok := d.model[d.scoID][generic]
	if !ok {
		d.errorCode = InvalidArgument
		return "false"
	}
	if entry.mod == ReadOnly {
		d.errorCode = entry.writeError
		return "false"
	}
	if entry.format != nil && !entry.format.MatchString(value) {
		d.errorCode = entry.writeError
		return "false"
	}

	if element != generic {
		element = d.initDynamicElement(element)
		if d.errorCode != NoError {
			return "false"
		}
	}

	if d.autoCommit && d.timer == nil {
		d.timer = time.AfterFunc(autocommitInterval, func() { d.Commit("") })
	}

	if entry.valRange != nil {
		n, err := strconv.ParseFloat(value, 64)
		if err != nil || n < entry.valRange.min || n > entry.valRange.max {
			d.errorCode = entry.writeError
			return "false"
		}
		d.setEl(element, strconv.FormatFloat(n, 'f', -1, 64))
		return "true"
	}

	if element == "cmi.comments" {
		// cmi.comments accumulates, it is never overwritten.
		d.setEl(element, d.getEl(element)+value)
	} else {
		d.setEl(element, value)
	}
	return "true"
}

// initDynamicElement creates per-index children and advances the collection
// counters for a dynamic element the first time its index is written. Skipping
// ahead of the current count is an invalid argument, indices must be
// introduced in order.
func (d *DataModel12) initDynamicElement(element string) string {
	if strings.HasPrefix(element, "cmi.objectives") {
		n := matchIndex(objectivesIndexRe, element)
		score := "cmi.objectives." + n + ".score"
		if _, ok := d.userData[d.scoID].UserData[score+"._children"]; !ok {
			d.setEl(score+"._children", scoreChildren)
			d.setEl(score+".raw", "")
			d.setEl(score+".min", "")
			d.setEl(score+".max", "")
		}
	} else if strings.HasPrefix(element, "cmi.interactions") {
		n := matchIndex(interactionsIndexRe, element)
		for _, counter := range []string{
			"cmi.interactions." + n + ".objectives._count",
			"cmi.interactions." + n + ".correct_responses._count",
		} {
			if _, ok := d.userData[d.scoID].UserData[counter]; !ok {
				d.setEl(counter, "0")
			}
		}
	}

	segments := strings.Split(element, ".")
	sub := "cmi"
	for i := 1; i < len(segments)-1; i++ {
		seg := segments[i]
		next := segments[i+1]
		if idx, err := strconv.Atoi(next); err == nil {
			counter := sub + "." + seg + "._count"
			if _, ok := d.userData[d.scoID].UserData[counter]; !ok {
				d.setEl(counter, "0")
			}
			count, _ := strconv.Atoi(d.getEl(counter))
			if idx == count {
				d.setEl(counter, strconv.Itoa(count+1))
			} else if idx > count {
				d.errorCode = InvalidArgument
			}
			sub += "." + seg + "." + next
			i++
		} else {
			sub += "." + seg
		}
	}
	return sub + "." + segments[len(segments)-1]
}

// Commit implements LMSCommit(""). It cancels any pending autocommit, stores
// the changed elements and notifies the table of contents either way.
func (d *DataModel12) Commit(param string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.errorCode = NoError
	if param != "" {
		d.errorCode = InvalidArgument
		return "false"
	}
	if !d.initialized {
		d.errorCode = NotInitialized
		return "false"
	}

	ok := d.storeData(false)
	d.publish(event.TocUpdated)

	if !ok {
		d.errorCode = GeneralException
		return "false"
	}
	return "true"
}

// Finish implements LMSFinish(""). Beyond committing it computes total time,
// applies the completion inference and emits the navigation events the
// package requested through nav.event.
func (d *DataModel12) Finish(param string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.errorCode = NoError
	if param != "" {
		d.errorCode = InvalidArgument
		return "false"
	}
	if !d.initialized {
		d.errorCode = NotInitialized
		return "false"
	}
	d.initialized = false

	ok := d.storeData(true)

	switch d.getEl("nav.event") {
	case "continue":
		d.publish(event.LaunchNextSco)
	case "previous":
		d.publish(event.LaunchPrevSco)
	default:
		if d.auto {
			d.publish(event.LaunchNextSco)
		}
	}

	if !ok {
		d.errorCode = GeneralException
	}
	d.publish(event.TocUpdated)

	if !ok {
		return "false"
	}
	return "true"
}

// GetLastError implements LMSGetLastError.
func (d *DataModel12) GetLastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errorCode.String()
}

// GetErrorString implements LMSGetErrorString(code).
func (d *DataModel12) GetErrorString(param string) string {
	if param == "" {
		return ""
	}
	return ParseErrorCode(param).Message()
}

// GetDiagnostic implements LMSGetDiagnostic(param).
func (d *DataModel12) GetDiagnostic(param string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if param == "" {
		return d.errorCode.String()
	}
	return param
}

// LoadSco repoints the model at another SCO of the same attempt without
// rebuilding state. Used when the package launches a new SCO while the
// previous one is still unloading.
func (d *DataModel12) LoadSco(scoID uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scoID = scoID
}

// SetOffline switches the persistence target between online and offline.
func (d *DataModel12) SetOffline(offline bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offline = offline
}

func (d *DataModel12) getEl(element string) string {
	if sco, ok := d.userData[d.scoID]; ok {
		if v, ok := sco.UserData[element]; ok {
			return v
		}
	}
	return ""
}

func (d *DataModel12) setEl(element, value string) {
	sco, ok := d.userData[d.scoID]
	if !ok {
		sco = NewScoUserData(d.scoID)
		d.userData[d.scoID] = sco
	}
	sco.UserData[element] = value
}

// collectData gathers the elements whose value differs from the last
// committed one, rewriting dynamic indices to the storage convention. The
// remembered default of each element is advanced to the emitted value so a
// second commit without changes emits nothing.
func (d *DataModel12) collectData() []DataEntry {
	sco, ok := d.userData[d.scoID]
	if !ok {
		return nil
	}

	elements := make([]string, 0, len(sco.UserData))
	for element := range sco.UserData {
		elements = append(elements, element)
	}
	sort.Strings(elements)

	var data []DataEntry
	for _, element := range elements {
		// session_time is folded into total_time at finish, never sent raw.
		if !strings.HasPrefix(element, "cmi") || element == "cmi.core.session_time" {
			continue
		}

		generic := toGenericElement(element)
		entry, exists := d.model[d.scoID][element]
		if !exists {
			if genericEntry, ok := d.model[d.scoID][generic]; ok {
				// First commit touching this index: clone the generic entry
				// so the concrete element tracks its own default from now on.
				entry = genericEntry.clone()
				d.model[d.scoID][element] = entry
			}
		}
		if entry == nil || entry.mod == ReadOnly {
			continue
		}

		value := d.getEl(element)
		if entry.def != nil && *entry.def == value {
			continue
		}
		entry.def = strp(value)
		data = append(data, DataEntry{Element: toStorageElement(element), Value: value})
	}
	return data
}

// storeData persists the collected changes. On finish it also infers the
// final lesson status and folds session time into total time. A failed online
// save flips the model into offline mode and retries against the local store.
func (d *DataModel12) storeData(finishing bool) bool {
	if !d.canSaveTracks {
		return true
	}

	var tracks []DataEntry
	if finishing {
		d.inferFinalStatus()
		tracks = d.collectData()
		tracks = append(tracks, DataEntry{
			Element: "cmi.core.total_time",
			Value:   AddTime(d.getEl("cmi.core.total_time"), d.getEl("cmi.core.session_time")),
		})
	} else {
		tracks = d.collectData()
	}

	err := d.saver.SaveTracks(d.scoID, d.attempt, tracks, d.offline, d.userData)
	if d.offline || err == nil {
		return err == nil
	}

	// Online save failed, switch to offline and keep the data locally.
	d.offline = true
	d.publish(event.GoOffline)

	return d.saver.SaveTracks(d.scoID, d.attempt, tracks, d.offline, d.userData) == nil
}

// inferFinalStatus applies the status rules the standard requires on finish:
// untouched SCOs become completed, credited normal attempts with a mastery
// score become passed or failed, browse attempts become browsed.
func (d *DataModel12) inferFinalStatus() {
	if d.getEl("cmi.core.lesson_status") == "not attempted" {
		d.setEl("cmi.core.lesson_status", "completed")
	}

	if d.getEl("cmi.core.lesson_mode") == string(ModeNormal) && d.getEl("cmi.core.credit") == "credit" {
		mastery := d.getEl("cmi.student_data.mastery_score")
		raw := d.getEl("cmi.core.score.raw")
		if mastery != "" && raw != "" {
			rawN, err1 := strconv.ParseFloat(raw, 64)
			masteryN, err2 := strconv.ParseFloat(mastery, 64)
			if err1 == nil && err2 == nil {
				if rawN >= masteryN {
					d.setEl("cmi.core.lesson_status", "passed")
				} else {
					d.setEl("cmi.core.lesson_status", "failed")
				}
			}
		}
	}

	if d.getEl("cmi.core.lesson_mode") == string(ModeBrowse) {
		entry := d.model[d.scoID]["cmi.core.lesson_status"]
		if entry != nil && entry.def != nil && *entry.def == "" &&
			d.getEl("cmi.core.lesson_status") == "not attempted" {
			d.setEl("cmi.core.lesson_status", "browsed")
		}
	}
}

func (d *DataModel12) publish(name string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(event.Data{
		Name:    name,
		ScormID: d.scormID,
		ScoID:   d.scoID,
		UserID:  d.userID,
		Attempt: d.attempt,
	})
}
