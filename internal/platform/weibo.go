package platform

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bettaflow/mediaspider/internal/model"
)

var (
	weiboLoginMarkers     = []string{"passport.weibo.com", "login.sina.com", "/login"}
	weiboChallengeMarkers = []string{"geetest_panel", "请求频繁", "访问异常"}
)

// weiboSearchExtractJS pulls the visible result cards into the shared raw
// record shape. Card internals beyond id/author/text are out of scope.
const weiboSearchExtractJS = `
(function() {
	var out = [];
	document.querySelectorAll('div.card-wrap[mid]').forEach(function(card) {
		var text = card.querySelector('p.txt');
		var author = card.querySelector('a.name');
		var link = card.querySelector('div.from a');
		out.push({
			id: card.getAttribute('mid') || '',
			author: author ? author.textContent.trim() : '',
			body: text ? text.textContent.trim() : '',
			url: link ? link.href : ''
		});
	});
	return out;
})()`

const weiboDetailExtractJS = `
(function() {
	var el = document.querySelector('div.weibo-text') || document.querySelector('p.txt');
	var author = document.querySelector('a.name') || document.querySelector('h3.m-text-cut');
	var id = (location.pathname.match(/detail\/(\w+)/) || [])[1] || '';
	if (!id) { return []; }
	return [{
		id: id,
		author: author ? author.textContent.trim() : '',
		body: el ? el.textContent.trim() : '',
		url: location.href
	}];
})()`

const weiboCommentsExtractJS = `
(function() {
	var out = [];
	document.querySelectorAll('div.comment-item, div[class*=CommentItem]').forEach(function(item) {
		out.push({
			id: item.getAttribute('data-id') || item.id || '',
			author: (item.querySelector('a.name') || {textContent: ''}).textContent.trim(),
			body: (item.querySelector('.comment-txt, .text') || {textContent: ''}).textContent.trim(),
			url: location.href
		});
	});
	return out;
})()`

type weiboCrawler struct {
	base
}

func (c *weiboCrawler) Platform() model.Platform { return model.PlatformWeibo }

func (c *weiboCrawler) SearchByKeyword(ctx context.Context, b Browser, keyword, cursor string) (*Page, error) {
	pageURL := fmt.Sprintf("https://s.weibo.com/weibo?q=%s&page=%d", url.QueryEscape(keyword), cursorPage(cursor))
	return c.crawl(ctx, b, model.KindSearch, pageURL, cursor, weiboSearchExtractJS, weiboLoginMarkers, weiboChallengeMarkers)
}

func (c *weiboCrawler) FetchByID(ctx context.Context, b Browser, id string) (*Page, error) {
	pageURL := "https://m.weibo.cn/detail/" + url.PathEscape(id)
	return c.crawl(ctx, b, model.KindDetail, pageURL, "", weiboDetailExtractJS, weiboLoginMarkers, weiboChallengeMarkers)
}

func (c *weiboCrawler) FetchComments(ctx context.Context, b Browser, id, cursor string) (*Page, error) {
	pageURL := fmt.Sprintf("https://m.weibo.cn/detail/%s?page=%d", url.PathEscape(id), cursorPage(cursor))
	return c.crawl(ctx, b, model.KindComments, pageURL, cursor, weiboCommentsExtractJS, weiboLoginMarkers, weiboChallengeMarkers)
}

func (c *weiboCrawler) FetchCreatorFeed(ctx context.Context, b Browser, creatorID, cursor string) (*Page, error) {
	pageURL := fmt.Sprintf("https://weibo.com/u/%s?page=%d", url.PathEscape(creatorID), cursorPage(cursor))
	return c.crawl(ctx, b, model.KindCreatorFeed, pageURL, cursor, weiboSearchExtractJS, weiboLoginMarkers, weiboChallengeMarkers)
}
