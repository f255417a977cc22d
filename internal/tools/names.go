// Package tools routes uniform {tool, params} calls to the data, remote
// service, UI and generative handler families and wraps every outcome in the
// same {success, data, error} envelope.
package tools

import "strings"

// Name is a registered tool name such as "db.query_posts".
type Name string

// Family groups tools by prefix.
type Family string

const (
	FamilyData     Family = "db"
	FamilyService  Family = "svc"
	FamilyFrontend Family = "fe"
	FamilyAI       Family = "ai"
)

// Family returns the prefix family of n, or "" when n has none.
func (n Name) Family() Family {
	prefix, _, ok := strings.Cut(string(n), ".")
	if !ok {
		return ""
	}
	switch f := Family(prefix); f {
	case FamilyData, FamilyService, FamilyFrontend, FamilyAI:
		return f
	}
	return ""
}

// Data access.
const (
	DBQueryProfiles   Name = "db.query_profiles"
	DBQueryEvents     Name = "db.query_events"
	DBQueryListings   Name = "db.query_listings"
	DBQueryPosts      Name = "db.query_posts"
	DBQueryBusinesses Name = "db.query_businesses"
	DBQueryTasks      Name = "db.query_tasks"
	DBQueryCalendar   Name = "db.query_calendar"
	DBQueryMessages   Name = "db.query_messages"
	DBCreateTask      Name = "db.create_task"
	DBCreateEvent     Name = "db.create_event"
	DBCreateListing   Name = "db.create_listing"
	DBCreatePost      Name = "db.create_post"
	DBCreateBusiness  Name = "db.create_business"
	DBUpdateTask      Name = "db.update_task"
	DBUpdateProfile   Name = "db.update_profile"
)

// Remote service functions.
const (
	SvcAndyChat           Name = "svc.andy_chat"
	SvcAndyLearn          Name = "svc.andy_learn"
	SvcAndyEmbed          Name = "svc.andy_embed"
	SvcAndyEnhance        Name = "svc.andy_enhance"
	SvcClassifyBusiness   Name = "svc.classify_business"
	SvcGenerateBio        Name = "svc.generate_bio"
	SvcScanSite           Name = "svc.scan_site"
	SvcGhostMatch         Name = "svc.ghost_match"
	SvcAICurateFeed       Name = "svc.ai_curate_feed"
	SvcAIRankSearch       Name = "svc.ai_rank_search"
	SvcGapFinder          Name = "svc.gap_finder"
	SvcMDROrchestrate     Name = "svc.mdr_orchestrate"
	SvcPerceiveTick       Name = "svc.perceive_tick"
	SvcSelfImprove        Name = "svc.self_improve"
	SvcRedTeam            Name = "svc.red_team"
	SvcFineTuneCohort     Name = "svc.fine_tune_cohort"
	SvcUserRAGIndex       Name = "svc.user_rag_index"
	SvcAnalyzeTraces      Name = "svc.analyze_traces"
	SvcAggregateLearnings Name = "svc.aggregate_learnings"
	SvcKBSearch           Name = "svc.kb_search"
)

// UI actions.
const (
	FENavigate     Name = "fe.navigate"
	FEOpenApp      Name = "fe.open_app"
	FESearch       Name = "fe.search"
	FEType         Name = "fe.type"
	FEClick        Name = "fe.click"
	FEScroll       Name = "fe.scroll"
	FESpeak        Name = "fe.speak"
	FEToast        Name = "fe.toast"
	FEOpenProfile  Name = "fe.open_profile"
	FEOpenEvent    Name = "fe.open_event"
	FEOpenListing  Name = "fe.open_listing"
	FEOpenBusiness Name = "fe.open_business"
	FEOpenPost     Name = "fe.open_post"
	FEOpenMessage  Name = "fe.open_message"
	FEOpenCalendar Name = "fe.open_calendar"
)

// Generative calls.
const (
	AIGenerateText       Name = "ai.generate_text"
	AIGenerateEmbeddings Name = "ai.generate_embeddings"
	AIClassify           Name = "ai.classify"
	AISummarize          Name = "ai.summarize"
	AITranslate          Name = "ai.translate"
	AIAnalyzeSentiment   Name = "ai.analyze_sentiment"
	AIExtractEntities    Name = "ai.extract_entities"
	AIGenerateImage      Name = "ai.generate_image"
	AIAnalyzeImage       Name = "ai.analyze_image"
	AITranscribeAudio    Name = "ai.transcribe_audio"
)

// AllTools enumerates every tool the registry must handle.
var AllTools = []Name{
	DBQueryProfiles, DBQueryEvents, DBQueryListings, DBQueryPosts, DBQueryBusinesses,
	DBQueryTasks, DBQueryCalendar, DBQueryMessages, DBCreateTask, DBCreateEvent,
	DBCreateListing, DBCreatePost, DBCreateBusiness, DBUpdateTask, DBUpdateProfile,

	SvcAndyChat, SvcAndyLearn, SvcAndyEmbed, SvcAndyEnhance, SvcClassifyBusiness,
	SvcGenerateBio, SvcScanSite, SvcGhostMatch, SvcAICurateFeed, SvcAIRankSearch,
	SvcGapFinder, SvcMDROrchestrate, SvcPerceiveTick, SvcSelfImprove, SvcRedTeam,
	SvcFineTuneCohort, SvcUserRAGIndex, SvcAnalyzeTraces, SvcAggregateLearnings, SvcKBSearch,

	FENavigate, FEOpenApp, FESearch, FEType, FEClick, FEScroll, FESpeak, FEToast,
	FEOpenProfile, FEOpenEvent, FEOpenListing, FEOpenBusiness, FEOpenPost, FEOpenMessage, FEOpenCalendar,

	AIGenerateText, AIGenerateEmbeddings, AIClassify, AISummarize, AITranslate,
	AIAnalyzeSentiment, AIExtractEntities, AIGenerateImage, AIAnalyzeImage, AITranscribeAudio,
}
