package browser

// initScript is injected into every page before any other script runs.
// Trimmed from the wider stealth script this gateway's teacher carries for
// full CAPTCHA-evasion down to the three behaviors a streamed remote
// browser actually needs: a human operator is watching the page directly,
// so there is no point mocking plugins, WebGL vendor strings, or battery
// status — only navigator.webdriver and the most commonly probed globals
// need to look unremarkable.
const initScript = `
(function() {
    'use strict';

    // 1. Remove navigator.webdriver
    Object.defineProperty(navigator, 'webdriver', {
        get: () => undefined,
        configurable: true
    });
    try {
        delete Object.getPrototypeOf(navigator).webdriver;
    } catch (e) {}

    // 2. Install a stub chrome object; headless Chrome omits window.chrome
    // in some contexts, which is itself a detection signal.
    if (!window.chrome) {
        Object.defineProperty(window, 'chrome', {
            value: {},
            writable: true,
            enumerable: true,
            configurable: false
        });
    }
    if (!window.chrome.runtime) {
        window.chrome.runtime = {
            connect: function() {},
            sendMessage: function() {}
        };
    }

    // 3. Fix permissions query for notifications
    try {
        const originalQuery = Permissions.prototype.query;
        Permissions.prototype.query = function(parameters) {
            if (parameters.name === 'notifications') {
                return Promise.resolve({ state: Notification.permission });
            }
            return originalQuery.call(this, parameters);
        };
    } catch (e) {}
})();
`
